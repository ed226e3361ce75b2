package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar names a .env file that wins over the --env flag.
const EnvFileVar = "MAILTHREAD_ENV_FILE"

// EnvLoader loads one .env file. Candidates are tried in order: the
// MAILTHREAD_ENV_FILE override, the --env value, its basename in the working
// directory, then the default path. The first file that loads wins and its
// values override the process environment.
type EnvLoader struct {
	value       *string
	defaultPath string
	lookupEnv   func(string) string
}

// AddEnvFlag registers --env on fs and returns the loader bound to it.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file (overridden by " + EnvFileVar + ")"
	}

	return &EnvLoader{
		value:       fs.String("env", defaultPath, description),
		defaultPath: defaultPath,
		lookupEnv:   os.Getenv,
	}
}

// Load returns the path it loaded, or an error naming every candidate tried.
// A missing .env file is not fatal to callers; they log it and continue with
// the process environment.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	candidates := l.candidates()
	for _, path := range candidates {
		if err := godotenv.Overload(path); err == nil {
			log.Printf("Loaded environment from %s", path)
			return path, nil
		}
	}
	return "", fmt.Errorf("no env file loaded (tried %s)", strings.Join(candidates, ", "))
}

func (l *EnvLoader) candidates() []string {
	var out []string
	seen := map[string]bool{}
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		out = append(out, path)
	}

	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.Getenv
	}
	add(lookup(EnvFileVar))

	requested := ""
	if l.value != nil {
		requested = strings.TrimSpace(*l.value)
	}
	add(requested)
	if requested != "" {
		add(filepath.Base(requested))
	}
	add(l.defaultPath)
	return out
}
