package policy

// defaultFileConfig is the built-in policy table used when no trigger-policy
// file is configured, and the base the file is merged over.
func defaultFileConfig() FileConfig {
	allModes := make([]string, 0, len(Modes()))
	for _, m := range Modes() {
		allModes = append(allModes, string(m))
	}
	bothOps := []string{string(OpGTE), string(OpLTE)}
	allWindows := []string{"15m", "1h", "4h", "1d"}

	modes := map[string]ModeParams{
		string(LevelInstant):     {MissingData: MissingWait},
		string(CrossUpInstant):   {MissingData: MissingWait},
		string(CrossDownInstant): {MissingData: MissingWait},
		string(LevelConfirm): {
			ConfirmConsecutive: 3,
			ConfirmRatio:       0.8,
			MissingData:        MissingWait,
		},
		string(CrossUpConfirm): {
			ConfirmConsecutive: 3,
			ConfirmRatio:       0.8,
			MissingData:        MissingWait,
		},
		string(CrossDownConfirm): {
			ConfirmConsecutive: 3,
			ConfirmRatio:       0.8,
			MissingData:        MissingWait,
		},
	}

	return FileConfig{
		Windows: map[string]WindowParams{
			"15m": {BaseBar: "1m"},
			"1h":  {BaseBar: "1m"},
			"4h":  {BaseBar: "5m"},
			"1d":  {BaseBar: "15m"},
		},
		Modes: modes,
		Metrics: map[string]MetricRule{
			string(MetricPrice): {Windows: allWindows, Modes: allModes, Operators: bothOps},
			// Drawdown/rally are one-sided by construction: a drawdown past a
			// threshold is always a >= comparison, a rally likewise.
			string(MetricDrawdownPct): {Windows: allWindows, Modes: allModes, Operators: []string{string(OpGTE)}},
			string(MetricRallyPct):    {Windows: allWindows, Modes: allModes, Operators: []string{string(OpGTE)}},
			string(MetricSpread):      {Windows: allWindows, Modes: allModes, Operators: bothOps},
			string(MetricVolumeRatio): {Windows: allWindows, Modes: allModes, Operators: bothOps},
			string(MetricAmountRatio): {Windows: allWindows, Modes: allModes, Operators: bothOps},
		},
	}
}
