package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Source supplies raw values by name.
type Source interface {
	Name() string
	Lookup(name string) (string, bool)
}

// EnvSource reads the process environment.
type EnvSource struct{}

func (EnvSource) Name() string { return "env" }

func (EnvSource) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// MapSource serves fixed values, e.g. the data of a cluster Secret.
type MapSource struct {
	Label  string
	Values map[string]string
}

func (m MapSource) Name() string { return m.Label }

func (m MapSource) Lookup(name string) (string, bool) {
	v, ok := m.Values[name]
	return v, ok
}

// LoadDotenv reads .env files into a MapSource. Later files override
// earlier ones, matching how they are usually layered (.env, .env.local).
func LoadDotenv(paths ...string) (MapSource, error) {
	values := map[string]string{}
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			return MapSource{}, fmt.Errorf("read env file %s: %w", p, err)
		}
		for k, v := range m {
			values[k] = v
		}
	}
	return MapSource{Label: "dotenv:" + strings.Join(paths, ","), Values: values}, nil
}

// ParseDotenv parses dotenv-formatted data, as stored in a Secret manifest
// or passed inline.
func ParseDotenv(label string, data string) (MapSource, error) {
	values, err := godotenv.Unmarshal(data)
	if err != nil {
		return MapSource{}, fmt.Errorf("parse %s: %w", label, err)
	}
	return MapSource{Label: label, Values: values}, nil
}
