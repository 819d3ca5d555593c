package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Comments starting with 3 slashes are treated as markdown docs for the
// metric or label that follows, as is the 'Help' field of each metric.

const (
	// Label constants.
	// Commonly used labels can be added here, and their documentation will be
	// displayed in the metrics where they are used. Each constant's name should
	// end with `Label`.

	/// Where the bytes for an installed page came from: `snapshot` for the
	/// guest memory snapshot file, `working_set` for the prefetched
	/// working-set file.
	PageSourceLabel = "page_source"

	/// How a page was installed: `fault` for a single page copied in response
	/// to a page fault, `batch` for a deferred-wake bulk install.
	InstallModeLabel = "install_mode"

	/// Why a record was skipped while translating a process's address space:
	/// `malformed_line` for an unparseable maps line, `residency_read` for a
	/// pagemap record that could not be read.
	SkipReasonLabel = "reason"

	/// Status code as defined by [grpc/codes](https://godoc.org/google.golang.org/grpc/codes#Code).
	StatusLabel = "status"
)

const (
	snappagerNamespace = "snappager"
)

var (
	/// ## Userfaultfd page serving
	///
	/// Counted per session by the fault server and the region installer.

	UFFDPageFaultsServedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: snappagerNamespace,
		Subsystem: "uffd",
		Name:      "page_faults_served_count",
		Help:      "Number of page faults resolved by copying a page into guest memory.",
	}, []string{
		PageSourceLabel,
	})

	UFFDDuplicateFaultsCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: snappagerNamespace,
		Subsystem: "uffd",
		Name:      "duplicate_faults_count",
		Help:      "Number of fault events for pages that were already installed. These are woken, never copied again.",
	})

	UFFDInstallDurationUsec = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: snappagerNamespace,
		Subsystem: "uffd",
		Name:      "install_duration_usec",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 20),
		Help:      "Time spent installing pages into guest memory, in **microseconds**.",
	}, []string{
		InstallModeLabel,
	})

	UFFDBatchPagesInstalledCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: snappagerNamespace,
		Subsystem: "uffd",
		Name:      "batch_pages_installed_count",
		Help:      "Number of pages installed ahead of faults by the region installer.",
	})

	UFFDActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: snappagerNamespace,
		Subsystem: "uffd",
		Name:      "active_sessions",
		Help:      "Number of paging sessions currently serving faults.",
	})

	UFFDSessionsEndedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: snappagerNamespace,
		Subsystem: "uffd",
		Name:      "sessions_ended_count",
		Help:      "Number of paging sessions that ended, by the status of the session error.",
	}, []string{
		StatusLabel,
	})

	/// ## Address translation

	PagemapSkippedRecordsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: snappagerNamespace,
		Subsystem: "pagemap",
		Name:      "skipped_records_count",
		Help:      "Number of maps lines or pagemap records skipped while translating a process's address space.",
	}, []string{
		SkipReasonLabel,
	})
)
