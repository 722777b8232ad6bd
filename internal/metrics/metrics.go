package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verifications counts attendance verification attempts per outcome. The
// outcome label is either "created", "updated", or a failure kind from the
// verification taxonomy.
var Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_verifications_total",
	Help: "Attendance verification attempts by outcome.",
}, []string{"outcome"})

// WindowActivations counts attendance window activations.
var WindowActivations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "attendance_window_activations_total",
	Help: "Attendance window activations.",
})
