// Package pagemap translates the virtual addresses of a process into the
// physical addresses backing them, using /proc/<pid>/maps and
// /proc/<pid>/pagemap. It is used to check which guest pages are actually
// resident after a restore.
package pagemap

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildbuddy-io/snappager/server/metrics"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

const (
	// Pathname of mappings that are not backed by a file.
	AnonymousPathname = "[anonymous]"

	entrySize = 8
	// Pagemap entries read per ReadAt call.
	entriesPerRead = 512

	presentBit     = 1 << 63
	frameNumberMax = 1<<55 - 1
)

// MemoryRegion is one line of /proc/<pid>/maps.
type MemoryRegion struct {
	Start       uint64
	End         uint64
	Permissions string
	Offset      uint64
	Device      string
	Inode       uint64
	Pathname    string
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("%x-%x %s %x %s %d %s", r.Start, r.End, r.Permissions, r.Offset, r.Device, r.Inode, r.Pathname)
}

// ParseMapsLine parses one line of a maps file. Bounds must be multiples of
// pageSize.
func ParseMapsLine(line string, pageSize int) (MemoryRegion, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MemoryRegion{}, status.InvalidArgumentErrorf("expected at least 5 fields, got %d", len(fields))
	}
	startStr, endStr, ok := strings.Cut(fields[0], "-")
	if !ok {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed start address %q", startStr)
	}
	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed end address %q", endStr)
	}
	if start >= end {
		return MemoryRegion{}, status.InvalidArgumentErrorf("empty address range %q", fields[0])
	}
	if start%uint64(pageSize) != 0 || end%uint64(pageSize) != 0 {
		return MemoryRegion{}, status.InvalidArgumentErrorf("address range %q is not page aligned", fields[0])
	}
	if len(fields[1]) != 4 {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed permissions %q", fields[1])
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed offset %q", fields[2])
	}
	if !strings.Contains(fields[3], ":") {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed device %q", fields[3])
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return MemoryRegion{}, status.InvalidArgumentErrorf("malformed inode %q", fields[4])
	}
	pathname := AnonymousPathname
	if len(fields) > 5 {
		pathname = strings.Join(fields[5:], " ")
	}
	return MemoryRegion{
		Start:       start,
		End:         end,
		Permissions: fields[1],
		Offset:      offset,
		Device:      fields[3],
		Inode:       inode,
		Pathname:    pathname,
	}, nil
}

// ParseMaps parses a maps file. Lines that cannot be parsed are skipped.
func ParseMaps(r io.Reader, pageSize int) ([]MemoryRegion, error) {
	var regions []MemoryRegion
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		region, err := ParseMapsLine(line, pageSize)
		if err != nil {
			log.Debugf("Skipping maps line %q: %s", line, err)
			metrics.PagemapSkippedRecordsCount.With(prometheus.Labels{
				metrics.SkipReasonLabel: "malformed_line",
			}).Inc()
			continue
		}
		regions = append(regions, region)
	}
	if err := scanner.Err(); err != nil {
		return nil, status.UnavailableErrorf("read maps: %s", err)
	}
	return regions, nil
}

// ResidencyEntry is one 64-bit pagemap record.
type ResidencyEntry uint64

func (e ResidencyEntry) Present() bool {
	return e&presentBit != 0
}

// FrameNumber returns the physical frame number. Only meaningful if the page
// is present. Unprivileged readers see 0.
func (e ResidencyEntry) FrameNumber() uint64 {
	return uint64(e) & frameNumberMax
}

// PhysicalAddress returns the physical address backing virtual address v.
func (e ResidencyEntry) PhysicalAddress(v uint64, pageSize int) uint64 {
	return e.FrameNumber()*uint64(pageSize) + v%uint64(pageSize)
}

// PageInfo describes one resident page.
type PageInfo struct {
	VirtualAddress  uint64 `json:"virtual_address"`
	PhysicalAddress uint64 `json:"physical_address"`
	Permissions     string `json:"permissions"`
	Pathname        string `json:"pathname"`
	// Offset of the page in the mapped file.
	Offset uint64 `json:"offset"`
}

// OutputFileName returns the name of the file the translation of pid is
// written to.
func OutputFileName(pid int) string {
	return fmt.Sprintf("pid_%d_pagemap.json", pid)
}

type Translator struct {
	// Mount point of procfs.
	ProcRoot string
	PageSize int
}

func NewTranslator() *Translator {
	return &Translator{
		ProcRoot: procfs.DefaultMountPoint,
		PageSize: os.Getpagesize(),
	}
}

func openProcFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundErrorf("open %s: %s", path, err)
		}
		if os.IsPermission(err) {
			return nil, status.PermissionDeniedErrorf("open %s: %s", path, err)
		}
		return nil, status.UnavailableErrorf("open %s: %s", path, err)
	}
	return f, nil
}

func (t *Translator) procDir(pid int) (string, error) {
	fs, err := procfs.NewFS(t.ProcRoot)
	if err != nil {
		return "", status.UnavailableErrorf("open procfs at %s: %s", t.ProcRoot, err)
	}
	if _, err := fs.Proc(pid); err != nil {
		if os.IsNotExist(err) {
			return "", status.NotFoundErrorf("process %d not found", pid)
		}
		return "", status.UnavailableErrorf("look up process %d: %s", pid, err)
	}
	return filepath.Join(t.ProcRoot, strconv.Itoa(pid)), nil
}

// Regions returns the parsed maps of pid.
func (t *Translator) Regions(pid int) ([]MemoryRegion, error) {
	dir, err := t.procDir(pid)
	if err != nil {
		return nil, err
	}
	f, err := openProcFile(filepath.Join(dir, "maps"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f, t.PageSize)
}

// Translate calls emit for every resident page of pid, in maps order and then
// by ascending address. Pages whose pagemap record cannot be read are
// skipped. Translation stops at the first error returned by emit.
func (t *Translator) Translate(pid int, emit func(PageInfo) error) error {
	regions, err := t.Regions(pid)
	if err != nil {
		return err
	}
	dir, err := t.procDir(pid)
	if err != nil {
		return err
	}
	pm, err := openProcFile(filepath.Join(dir, "pagemap"))
	if err != nil {
		return err
	}
	defer pm.Close()

	pageSize := uint64(t.PageSize)
	buf := make([]byte, entriesPerRead*entrySize)
	skipped := 0
	for _, r := range regions {
		for v := r.Start; v < r.End; {
			count := min((r.End-v)/pageSize, entriesPerRead)
			n, _ := pm.ReadAt(buf[:count*entrySize], int64(v/pageSize*entrySize))
			for i := uint64(0); i < count; i, v = i+1, v+pageSize {
				if (i+1)*entrySize > uint64(n) {
					skipped++
					continue
				}
				e := ResidencyEntry(binary.NativeEndian.Uint64(buf[i*entrySize:]))
				if !e.Present() || e.FrameNumber() == 0 {
					continue
				}
				err := emit(PageInfo{
					VirtualAddress:  v,
					PhysicalAddress: e.PhysicalAddress(v, t.PageSize),
					Permissions:     r.Permissions,
					Pathname:        r.Pathname,
					Offset:          r.Offset + (v - r.Start),
				})
				if err != nil {
					return err
				}
			}
		}
	}
	if skipped > 0 {
		log.Debugf("Skipped %d unreadable pagemap records of process %d", skipped, pid)
		metrics.PagemapSkippedRecordsCount.With(prometheus.Labels{
			metrics.SkipReasonLabel: "residency_read",
		}).Add(float64(skipped))
	}
	return nil
}

// TranslateAll returns every resident page of pid.
func (t *Translator) TranslateAll(pid int) ([]PageInfo, error) {
	var out []PageInfo
	err := t.Translate(pid, func(p PageInfo) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// WriteJSON streams the resident pages of pid to w as a JSON array. It returns
// the number of pages written.
func (t *Translator) WriteJSON(w io.Writer, pid int) (int, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return 0, err
	}
	count := 0
	err := t.Translate(pid, func(p PageInfo) error {
		b, err := json.MarshalIndent(p, "  ", "  ")
		if err != nil {
			return status.InternalErrorf("marshal page info: %s", err)
		}
		if count > 0 {
			bw.WriteString(",")
		}
		bw.WriteString("\n  ")
		_, err = bw.Write(b)
		count++
		return err
	})
	if err != nil {
		return count, err
	}
	if count > 0 {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")
	if err := bw.Flush(); err != nil {
		return count, status.UnavailableErrorf("write page infos: %s", err)
	}
	return count, nil
}

// IsResident reports whether the page containing addr is backed by physical
// memory in process pid.
func (t *Translator) IsResident(pid int, addr uintptr) (bool, error) {
	dir, err := t.procDir(pid)
	if err != nil {
		return false, err
	}
	pm, err := openProcFile(filepath.Join(dir, "pagemap"))
	if err != nil {
		return false, err
	}
	defer pm.Close()
	var b [entrySize]byte
	if _, err := pm.ReadAt(b[:], int64(uint64(addr)/uint64(t.PageSize)*entrySize)); err != nil {
		return false, status.UnavailableErrorf("read pagemap record for 0x%x: %s", addr, err)
	}
	return ResidencyEntry(binary.NativeEndian.Uint64(b[:])).Present(), nil
}
