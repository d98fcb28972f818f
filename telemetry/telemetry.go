// Package telemetry streams experiment metrics to a remote tracking sink and
// mirrors them to a local JSONL file next to the checkpoints.
//
// Delivery is fire-and-forget: Log never blocks training and never returns
// an error. Records are dropped when the buffer is full or the sink is
// unreachable.
package telemetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MetricsFileName is the file within the local directory where every logged
// record is appended, one JSON object per line.
const MetricsFileName = "training_metrics.json"

// EnvEndpoint is the environment variable with the default remote sink URL.
// When neither it nor Config.Endpoint is set, only the local file is written.
const EnvEndpoint = "EAST_TELEMETRY_URL"

// Config for the telemetry Run to be created. Created with Build, configured
// with the various methods, finalized with Done.
type Config struct {
	project, entity, name string
	endpoint              string
	dir                   string
	buffer                int
}

// Build a configuration for a telemetry Run. The remote endpoint defaults
// from EAST_TELEMETRY_URL.
func Build() *Config {
	return &Config{
		endpoint: os.Getenv(EnvEndpoint),
		buffer:   128,
	}
}

// Project sets the experiment project name.
func (c *Config) Project(project string) *Config {
	c.project = project
	return c
}

// Entity sets the experiment owner.
func (c *Config) Entity(entity string) *Config {
	c.entity = entity
	return c
}

// RunName labels the run. When empty, a name is derived from the run id.
func (c *Config) RunName(name string) *Config {
	c.name = name
	return c
}

// Endpoint overrides the remote sink URL. Empty disables remote delivery.
func (c *Config) Endpoint(url string) *Config {
	c.endpoint = url
	return c
}

// LocalDir sets the directory for the JSONL mirror file. Empty disables it.
func (c *Config) LocalDir(dir string) *Config {
	c.dir = dir
	return c
}

// record is the wire and file format of one logged sample.
type record struct {
	Run     string             `json:"run"`
	Project string             `json:"project,omitempty"`
	Entity  string             `json:"entity,omitempty"`
	Name    string             `json:"name,omitempty"`
	Time    time.Time          `json:"time"`
	Values  map[string]float64 `json:"values"`
}

// Run is a live telemetry stream. A nil *Run is valid and drops everything.
type Run struct {
	id                    string
	project, entity, name string
	endpoint              string
	dir                   string

	client *http.Client
	ch     chan record
	done   chan struct{}
}

// Done creates the Run and starts its background sender.
func (c *Config) Done() (*Run, error) {
	r := &Run{
		id:       uuid.NewString(),
		project:  c.project,
		entity:   c.entity,
		name:     c.name,
		endpoint: c.endpoint,
		dir:      c.dir,
		client:   &http.Client{Timeout: 5 * time.Second},
		ch:       make(chan record, c.buffer),
		done:     make(chan struct{}),
	}
	if r.name == "" {
		r.name = "run-" + r.id[:8]
	}
	go r.sender()
	return r, nil
}

// Log records one sample of metric values. It never blocks: when the buffer
// is full the sample is dropped.
func (r *Run) Log(values map[string]float64) {
	if r == nil {
		return
	}
	rec := record{
		Run:     r.id,
		Project: r.project,
		Entity:  r.entity,
		Name:    r.name,
		Time:    time.Now(),
		Values:  values,
	}
	select {
	case r.ch <- rec:
	default:
		klog.V(1).Infof("telemetry buffer full, dropping sample")
	}
}

// Close flushes buffered records and stops the sender. The Run must not be
// used after Close.
func (r *Run) Close() {
	if r == nil {
		return
	}
	close(r.ch)
	<-r.done
}

// sender drains the channel, appending to the local file and posting to the
// remote sink. Failures only surface at V(1): the sink is best-effort.
func (r *Run) sender() {
	defer close(r.done)
	var file *os.File
	var enc *json.Encoder
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()
	for rec := range r.ch {
		if r.dir != "" {
			if file == nil {
				var err error
				file, err = openMetricsFile(r.dir)
				if err != nil {
					klog.V(1).Infof("telemetry: disabling local metrics file: %+v", err)
					r.dir = ""
				} else {
					enc = json.NewEncoder(file)
				}
			}
			if enc != nil {
				if err := enc.Encode(&rec); err != nil {
					klog.V(1).Infof("telemetry: failed appending metrics record: %v", err)
				}
			}
		}
		if r.endpoint != "" {
			r.post(rec)
		}
	}
}

func openMetricsFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create metrics directory %q", dir)
	}
	path := filepath.Join(dir, MetricsFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics file %q", path)
	}
	return f, nil
}

func (r *Run) post(rec record) {
	body, err := json.Marshal(&rec)
	if err != nil {
		klog.V(1).Infof("telemetry: failed encoding record: %v", err)
		return
	}
	resp, err := r.client.Post(r.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		klog.V(1).Infof("telemetry: failed posting to %s: %v", r.endpoint, err)
		return
	}
	_ = resp.Body.Close()
}
