/*
Package config loads checkpoint tooling settings and provides type-safe
access to free-form configuration maps.

# Settings

Settings are resolved in three layers: built-in defaults, an optional YAML
or JSON file, then command-line flags that were explicitly set:

	flags := pflag.NewFlagSet("trainstate", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	settings, err := config.Load("trainstate.yaml", flags)

# Free-form maps

Config wraps a map[string]any and provides typed accessors that return a
default when a key is missing or has the wrong type. It is used to read
the original parameters of a resumed run, which are stored as an opaque
mapping in checkpoint state:

	cfg := config.New(map[string]any{
	    "symbol":    "EURUSD",
	    "epochs":    50,
	    "patience":  "30s",
	})

	epochs := cfg.Int("epochs", 10)                   // 50
	patience := cfg.Duration("patience", time.Minute) // 30s

Numbers decoded from JSON arrive as float64. Int converts them only when
they carry no fractional part.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
