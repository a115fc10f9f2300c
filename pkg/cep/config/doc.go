/*
Package config provides typed access to decoded YAML/JSON documents.

Pattern files are decoded into map[string]any. Config wraps one such map
(or a nested section of it) and extracts typed values, falling back to a
default when a key is missing or holds the wrong type.

	cfg, err := config.FromFile("patterns/fraud.yaml")
	if err != nil {
	    return err
	}
	window := cfg.Duration("window", 0)
	for _, st := range cfg.List("stages") {
	    name := st.String("name", "")
	    times := st.Int("times", 1)
	}

Use Unknown to reject misspelled keys:

	if extra := cfg.Unknown("name", "window", "skip", "stages"); len(extra) > 0 {
	    return fmt.Errorf("unknown keys %v", extra)
	}

Config never modifies the wrapped map and is safe for concurrent reads.
*/
package config
