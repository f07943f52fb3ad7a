package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Заполняются через -ldflags при сборке.
var (
	version = "dev"
	commit  = "unknown"
)

func Version() string { return version }
func Commit() string  { return commit }

var (
	buildInfoOnce sync.Once

	// buildInfo — gauge со статич. значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Teamboard API build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo регистрирует метрику build_info (однократно) и устанавливает значение.
func InitBuildInfo(reg prometheus.Registerer) {
	buildInfoOnce.Do(func() {
		reg.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
