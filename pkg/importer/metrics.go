package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// importsTotal counts processed studies by clinic and outcome.
	importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_imports_total",
		Help: "Number of study imports by clinic and status",
	},
		// status can be "success", "partial", "failed" or "error"
		[]string{"clinic_id", "status"},
	)

	// instancesUploaded counts single instances accepted by the PACS.
	instancesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_instances_uploaded_total",
		Help: "Number of DICOM instances uploaded",
	},
		[]string{"clinic_id"},
	)

	// importDuration tracks how long one whole study import takes.
	importDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicom_import_duration_seconds",
		Help:    "Time spent importing one study",
		Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800},
	},
		[]string{"clinic_id"},
	)

	// uploadDuration tracks how long one instance upload takes.
	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dicom_upload_duration_seconds",
		Help:    "Time spent uploading one instance",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// pendingImports is the number of study folders waiting for their cooldown.
	pendingImports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicom_pending_imports",
		Help: "Number of study folders waiting for their cooldown",
	})

	// activeImports is the number of studies currently being imported.
	activeImports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicom_active_imports",
		Help: "Number of studies currently being imported",
	})
)
