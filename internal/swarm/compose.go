package swarm

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestConfig parameterizes compose generation.
type ManifestConfig struct {
	Pair    string
	Image   string // worker image, default "arcana:latest"
	DBName  string
	DBUser  string
	DBPass  string
	Workers []Chunk
}

// composeFile mirrors the docker-compose schema we emit.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]any            `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	DependsOn   map[string]struct {
		Condition string `yaml:"condition"`
	} `yaml:"depends_on,omitempty"`
	Healthcheck *composeHealthcheck `yaml:"healthcheck,omitempty"`
	Restart     string              `yaml:"restart,omitempty"`
	Volumes     []string            `yaml:"volumes,omitempty"`
}

type composeHealthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// Manifest renders a docker-compose file with a TimescaleDB service and
// one ingest worker per chunk. Workers wait on the database healthcheck
// and restart on failure, so a transient crash resumes its own chunk.
func Manifest(cfg ManifestConfig) ([]byte, error) {
	if cfg.Pair == "" {
		return nil, fmt.Errorf("manifest needs a pair")
	}
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("manifest needs at least one worker chunk")
	}
	if cfg.Image == "" {
		cfg.Image = "arcana:latest"
	}
	if cfg.DBName == "" {
		cfg.DBName = "arcana"
	}
	if cfg.DBUser == "" {
		cfg.DBUser = "arcana"
	}
	if cfg.DBPass == "" {
		cfg.DBPass = "arcana"
	}

	services := map[string]composeService{
		"timescaledb": {
			Image: "timescale/timescaledb:latest-pg16",
			Environment: map[string]string{
				"POSTGRES_DB":       cfg.DBName,
				"POSTGRES_USER":     cfg.DBUser,
				"POSTGRES_PASSWORD": cfg.DBPass,
			},
			Healthcheck: &composeHealthcheck{
				Test:     []string{"CMD-SHELL", fmt.Sprintf("pg_isready -U %s -d %s", cfg.DBUser, cfg.DBName)},
				Interval: "5s",
				Timeout:  "5s",
				Retries:  12,
			},
			Volumes: []string{"arcana-data:/var/lib/postgresql/data"},
		},
	}

	for _, c := range cfg.Workers {
		name := fmt.Sprintf("worker-%d", c.Index)
		services[name] = composeService{
			Image: cfg.Image,
			Command: []string{
				"ingest",
				"--pair", cfg.Pair,
				"--start", c.Start.Format(time.RFC3339),
				"--end", c.End.Format(time.RFC3339),
			},
			Environment: map[string]string{
				"ARCANA_DB_HOST":     "timescaledb",
				"ARCANA_DB_PORT":     "5432",
				"ARCANA_DB_NAME":     cfg.DBName,
				"ARCANA_DB_USER":     cfg.DBUser,
				"ARCANA_DB_PASSWORD": cfg.DBPass,
			},
			DependsOn: map[string]struct {
				Condition string `yaml:"condition"`
			}{
				"timescaledb": {Condition: "service_healthy"},
			},
			Restart: "on-failure",
		}
	}

	out, err := yaml.Marshal(composeFile{
		Services: services,
		Volumes:  map[string]any{"arcana-data": nil},
	})
	if err != nil {
		return nil, fmt.Errorf("rendering compose manifest: %w", err)
	}

	header := fmt.Sprintf("# Swarm ingest plan for %s: %d workers covering [%s, %s)\n",
		cfg.Pair, len(cfg.Workers),
		cfg.Workers[0].Start.Format(time.RFC3339),
		cfg.Workers[len(cfg.Workers)-1].End.Format(time.RFC3339))
	var b strings.Builder
	b.WriteString(header)
	b.Write(out)
	return []byte(b.String()), nil
}
