package ipc

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker kinds.
const (
	KindJob     = "job"
	KindReactor = "reactor"
)

// GroupInfo is the part of a group definition a worker process needs.
type GroupInfo struct {
	ID           int           `yaml:"id"`
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"`
	Entry        string        `yaml:"entry"`
	JobGroups    []int         `yaml:"job_groups,omitempty"`
	JobTimeLimit time.Duration `yaml:"job_time_limit,omitempty"`
	Listen       []string      `yaml:"listen,omitempty"`
}

// Bootstrap is handed to a worker process at start. It identifies the
// worker and carries the catalogue of every group in the pool.
type Bootstrap struct {
	WorkerID        int         `yaml:"worker_id"`
	GroupID         int         `yaml:"group_id"`
	StatePath       string      `yaml:"state_path,omitempty"`
	SocketTransport string      `yaml:"socket_transport,omitempty"`
	LogLevel        string      `yaml:"log_level,omitempty"`
	Groups          []GroupInfo `yaml:"groups"`
}

// Group returns the worker's own group.
func (b Bootstrap) Group() (GroupInfo, bool) {
	return b.GroupByID(b.GroupID)
}

// GroupByID looks up a group in the catalogue.
func (b Bootstrap) GroupByID(id int) (GroupInfo, bool) {
	for _, g := range b.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return GroupInfo{}, false
}

// WriteBootstrap encodes b as YAML.
func WriteBootstrap(w io.Writer, b Bootstrap) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode bootstrap: %w", err)
	}
	return enc.Close()
}

// ReadBootstrap decodes a YAML bootstrap document.
func ReadBootstrap(r io.Reader) (Bootstrap, error) {
	var b Bootstrap
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return Bootstrap{}, fmt.Errorf("decode bootstrap: %w", err)
	}
	if _, ok := b.Group(); !ok {
		return Bootstrap{}, fmt.Errorf("bootstrap for worker %d names unknown group %d", b.WorkerID, b.GroupID)
	}
	return b, nil
}
