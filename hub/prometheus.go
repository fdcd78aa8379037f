package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"spotcast/device/spotify"
	"spotcast/types"
	"time"
)

const namespace = "spotcast"

type deviceMetrics struct {
	commonLabels prometheus.Labels

	launched           *prometheus.Gauge
	credentialError    *prometheus.Gauge
	lastLaunchDuration *prometheus.Gauge
}

type prometheusMetrics struct {
	devices        map[string]*deviceMetrics
	launches       *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
}

func registerMetrics(registry prometheus.Registerer, devices []types.DeviceConfig) *prometheusMetrics {
	metrics := &prometheusMetrics{
		devices: make(map[string]*deviceMetrics, len(devices)),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Spotify receiver launches by device and outcome.",
		}, []string{"dev_full_name", "outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Web player token refreshes by account and outcome.",
		}, []string{"account", "outcome"}),
	}
	registry.MustRegister(metrics.launches, metrics.tokenRefreshes)
	for i := range devices {
		commonLabels := types.GenerateCommonLabels(&devices[i])
		device := &deviceMetrics{
			commonLabels:       commonLabels,
			launched:           types.NewGauge(registry, commonLabels, namespace, "launched_bool"),
			credentialError:    types.NewGauge(registry, commonLabels, namespace, "credential_error_bool"),
			lastLaunchDuration: types.NewGauge(registry, commonLabels, namespace, "last_launch_duration_seconds"),
		}
		device.resetToRogueValues()
		metrics.devices[devices[i].FullName()] = device
	}
	return metrics
}

func (metrics *deviceMetrics) resetToRogueValues() {
	types.SetIfPresent(metrics.launched, -1)
	types.SetIfPresent(metrics.credentialError, -1)
	types.SetIfPresent(metrics.lastLaunchDuration, -1)
}

func (metrics *prometheusMetrics) recordLaunch(device *types.DeviceConfig, controller *spotify.Controller, took time.Duration) {
	outcome := "launched"
	if !controller.IsLaunched() {
		outcome = controller.Failure().String()
	}
	metrics.launches.WithLabelValues(device.FullName(), outcome).Inc()
	if deviceMetrics, present := metrics.devices[device.FullName()]; present {
		types.SetFromBool(deviceMetrics.launched, controller.IsLaunched())
		types.SetFromBool(deviceMetrics.credentialError, controller.CredentialError())
		types.SetFromDurationAsSeconds(deviceMetrics.lastLaunchDuration, took)
	}
}

func (metrics *prometheusMetrics) recordStop(device *types.DeviceConfig) {
	if deviceMetrics, present := metrics.devices[device.FullName()]; present {
		types.SetFromBool(deviceMetrics.launched, false)
	}
}

func (metrics *prometheusMetrics) tokenRefreshObserver(account string) func(err error) {
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.tokenRefreshes.WithLabelValues(account, outcome).Inc()
	}
}
