package dsn

import (
	"strconv"

	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
)

// DataSource labels metrics read from DSN Now.
const DataSource = "DSN Now"

// ToMetrics flattens a snapshot into gauge samples stamped with the snapshot
// time. Every metric carries the dish labels; target and signal metrics add
// their own.
func ToMetrics(snap *Snapshot) []openmetrics.Metric {
	var out []openmetrics.Metric
	gauge := func(name, unit string, value float64, labels map[string]string) {
		out = append(out, openmetrics.Metric{
			Name:      name,
			Unit:      unit,
			Type:      openmetrics.TypeGauge,
			Labels:    labels,
			Value:     value,
			Timestamp: snap.Timestamp,
		})
	}

	for _, station := range snap.Stations {
		for _, dish := range station.Dishes {
			dishLabels := map[string]string{
				"data_source":   DataSource,
				"station_name":  station.Name,
				"dish_name":     dish.Name,
				"dish_activity": dish.Activity,
			}
			gauge("dish_azimuth_angle", "degrees", dish.Azimuth, dishLabels)
			gauge("dish_elevation_angle", "degrees", dish.Elevation, dishLabels)
			gauge("dish_wind_speed", "km_per_h", dish.WindSpeed, dishLabels)
			gauge("dish_mspa_bool", "", boolValue(dish.MSPA), dishLabels)
			gauge("dish_array_bool", "", boolValue(dish.Array), dishLabels)
			gauge("dish_ddor_bool", "", boolValue(dish.DDOR), dishLabels)

			for _, target := range dish.Targets {
				targetLabels := with(dishLabels, "target_name", target.Name, "target_id", "-"+target.ID)
				gauge("target_round_trip", "seconds", target.RTLT, targetLabels)
				gauge("target_range", "km", target.UplegRange, with(targetLabels, "target_direction", "up"))
				gauge("target_range", "km", target.DownlegRange, with(targetLabels, "target_direction", "down"))

				for _, s := range target.Up {
					labels := with(targetLabels,
						"signal_direction", "up",
						"signal_activity", s.Active,
						"signal_type", s.Type,
						"signal_band", s.Band,
					)
					gauge("signal_data_rate", "b_per_s", s.DataRate, labels)
					// Uplink frequencies are reported in MHz.
					gauge("signal_frequency", "Hz", s.Frequency*1e6, labels)
					gauge("signal_power_sent", "kW", s.Power, labels)
				}

				for i, s := range target.Down {
					labels := with(targetLabels,
						"signal_direction", "down",
						"signal_activity", s.Active,
						"signal_type", s.Type,
						"signal_band", s.Band,
						"signal_index", strconv.Itoa(i),
					)
					gauge("signal_data_rate", "b_per_s", s.DataRate, labels)
					gauge("signal_frequency", "Hz", s.Frequency, labels)
					gauge("signal_power_received", "dBm", s.Power, labels)
				}
			}
		}
	}
	return out
}

// with copies base and adds the given name/value pairs.
func with(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

