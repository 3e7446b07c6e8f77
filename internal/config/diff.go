package config

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked; they take effect for
// sessions started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SegmentChanged is set when the phrase span limit or mode changed.
	SegmentChanged bool

	// OverlapChanged is set when the overlap filter was toggled or retuned.
	OverlapChanged bool

	// BatchIntervalChanged is set when translation.batch_interval changed.
	BatchIntervalChanged bool

	// RestartRequired lists changed settings that only apply after a
	// restart (providers, storage, listen address).
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SegmentChanged || d.OverlapChanged || d.BatchIntervalChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SegmentChanged = old.Segment != new.Segment
	d.OverlapChanged = old.Overlap != new.Overlap
	d.BatchIntervalChanged = old.Translation.BatchInterval != new.Translation.BatchInterval

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Providers.Translation, new.Providers.Translation) ||
		!sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		!sameEntry(old.Providers.Recognition, new.Providers.Recognition) ||
		len(old.Providers.TranslationFallbacks) != len(new.Providers.TranslationFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Translation.TargetLanguage != new.Translation.TargetLanguage ||
		old.Translation.SourceLanguage != new.Translation.SourceLanguage {
		d.RestartRequired = append(d.RestartRequired, "translation languages")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
