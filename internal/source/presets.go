package source

import (
	"fmt"
	"strings"

	"github.com/noz-co-id/Greengrid-telco/internal/model"
)

// GenericPreset serves site types with no device profile of their own.
const GenericPreset = "GENERIC"

var presets = map[string]map[string]any{
	string(model.SiteCell): {
		"energy_meter": map[string]any{
			"voltage_l1":       Walk{Base: 220, Jitter: 5},
			"power_total_kw":   Walk{Base: 9.8, Jitter: 1.5, Min: 0, Max: 20},
			"energy_total_kwh": Walk{Base: 1250.5, Jitter: 0.2, Min: 0, Max: 1e9, Drift: true},
			"power_factor":     Walk{Base: 0.95, Jitter: 0.02, Min: 0, Max: 1},
			"frequency":        Walk{Base: 50, Jitter: 0.1},
		},
		"battery_bms": map[string]any{
			"voltage":     Walk{Base: 48.2, Jitter: 0.5},
			"current":     Walk{Base: -12.5, Jitter: 2},
			"soc_percent": Walk{Base: 75.3, Jitter: 0.5, Min: 20, Max: 100, Drift: true},
			"soh_percent": Walk{Base: 98.5},
			"temperature": Walk{Base: 29, Jitter: 2.5},
		},
		"solar_mppt": map[string]any{
			"pv_voltage":      Walk{Base: 85.5, Jitter: 2},
			"pv_current":      Walk{Base: 6.5, Jitter: 1.5, Min: 0, Max: 10},
			"pv_power_kw":     Walk{Base: 0.6, Jitter: 0.2, Min: 0, Max: 1},
			"mppt_efficiency": Walk{Base: 98.2, Jitter: 0.3, Min: 90, Max: 100},
		},
		"genset_control": map[string]any{
			"fuel_level_percent": Walk{Base: 85, Jitter: 0.1, Min: 0, Max: 100, Drift: true},
			"temperature":        Walk{Base: 35, Jitter: 1},
		},
		"telco_equipment": map[string]any{
			"signal_strength_dbm":  Walk{Base: -65, Jitter: 5},
			"connected_users":      Walk{Base: 145, Jitter: 20, Min: 0, Max: 1000},
			"data_throughput_mbps": Walk{Base: 125.5, Jitter: 15, Min: 0, Max: 1000},
			"equipment_temp":       Walk{Base: 43, Jitter: 4},
		},
	},
	string(model.SiteDatacenter): {
		"ups_systems": map[string]any{
			"ups_1": map[string]any{
				"load_percent":        Walk{Base: 65.5, Jitter: 0.5, Min: 60, Max: 70, Drift: true},
				"input_voltage":       Walk{Base: 220, Jitter: 2},
				"output_voltage":      Walk{Base: 220, Jitter: 0.5},
				"battery_soc_percent": Walk{Base: 100},
			},
		},
		"cooling_systems": map[string]any{
			"crac_1": map[string]any{
				"supply_temp_c":    Walk{Base: 18.5, Jitter: 0.5},
				"return_temp_c":    Walk{Base: 28.2, Jitter: 1},
				"humidity_percent": Walk{Base: 45, Jitter: 2},
				"power_kw":         Walk{Base: 12.5, Jitter: 0.3},
			},
		},
		"servers": map[string]any{
			"rack_1": map[string]any{
				"cpu_avg_percent":    Walk{Base: 45.5, Jitter: 2, Min: 40, Max: 90, Drift: true},
				"memory_avg_percent": Walk{Base: 68.2, Jitter: 1, Min: 60, Max: 80, Drift: true},
				"inlet_temp_c":       Walk{Base: 22.75, Jitter: 0.75},
				"network_rx_gbps":    Walk{Base: 2.6, Jitter: 0.4, Min: 0, Max: 100},
				"network_tx_gbps":    Walk{Base: 1.9, Jitter: 0.3, Min: 0, Max: 100},
			},
		},
		"network_switches": map[string]any{
			"core_switch_1": map[string]any{
				"cpu_percent":     Walk{Base: 27, Jitter: 3.5, Min: 0, Max: 100},
				"temperature_c":   Walk{Base: 45.5, Jitter: 1.5},
				"throughput_gbps": Walk{Base: 16, Jitter: 2.5, Min: 0, Max: 100},
			},
		},
		"power_distribution": map[string]any{
			"pdu_1": map[string]any{
				"current_l1":     Walk{Base: 85.5, Jitter: 3},
				"power_total_kw": Walk{Base: 56.5, Jitter: 2},
			},
		},
		"environmental": map[string]any{
			"hot_aisle_temp_c":  Walk{Base: 33, Jitter: 1.5},
			"cold_aisle_temp_c": Walk{Base: 20.5, Jitter: 0.5},
		},
		"pue_metrics": map[string]any{
			"pue": Walk{Base: 1.45, Jitter: 0.03, Min: 1, Max: 3},
		},
	},
	string(model.SiteSwitchroom): {
		"power": map[string]any{
			"voltage":  Walk{Base: 220, Jitter: 3},
			"current":  Walk{Base: 32, Jitter: 2, Min: 0, Max: 100},
			"power_kw": Walk{Base: 7, Jitter: 0.5, Min: 0, Max: 50},
		},
		"hvac": map[string]any{
			"status":        Walk{Base: 1},
			"temperature_c": Walk{Base: 22, Jitter: 1},
			"humidity":      Walk{Base: 45, Jitter: 3, Min: 0, Max: 100},
		},
		"door_status": Walk{Base: 0},
		"fire_alarm":  Walk{Base: 0},
		"switch": map[string]any{
			"status":    Walk{Base: 1},
			"cpu_usage": Walk{Base: 30, Jitter: 5, Min: 0, Max: 100},
		},
	},
	GenericPreset: {
		"power_kw":      Walk{Base: 5, Jitter: 0.5, Min: 0, Max: 100},
		"temperature_c": Walk{Base: 30, Jitter: 1.5},
		"uptime_ratio":  Walk{Base: 1},
	},
}

// Preset returns a copy of the named device profile tree. Names are matched
// case-insensitively against site types and GENERIC.
func Preset(name string) (map[string]any, bool) {
	p, ok := presets[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return clone(p), true
}

// ForSite builds the simulator for a site. preset overrides the site type;
// a site type without a profile falls back to GENERIC.
func ForSite(t model.SiteType, preset string, seed int64) (*RandomWalk, error) {
	name := preset
	if name == "" {
		name = string(t.Normalize())
	}
	tree, ok := Preset(name)
	if !ok {
		if preset != "" {
			return nil, fmt.Errorf("source: unknown preset %q", preset)
		}
		tree, _ = Preset(GenericPreset)
	}
	return NewRandomWalk(tree, seed)
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = clone(sub)
			continue
		}
		out[k] = v
	}
	return out
}
