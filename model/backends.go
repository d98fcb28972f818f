package model

import (
	"os"
	"strings"

	"github.com/lightobserver/east/data"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	xslices "golang.org/x/exp/slices"
)

// Backend supplies every numerical collaborator of a training run: the model,
// the datasets, the detector and the evaluator.
//
// Backends register themselves during package initialization, so a driver
// selects one simply by importing it for its side effects.
type Backend interface {
	// Name is the short backend name, e.g. "east".
	Name() string

	// NewModel builds the EAST network on the given device. An empty
	// device string lets the backend pick.
	NewModel(device string) (Model, error)

	// TrainingData opens the training split as a random-access source.
	TrainingData(spec DataSpec) (data.Indexed, error)

	// ValidationData opens the held-out split. Validation batches carry
	// ground-truth boxes.
	ValidationData(spec DataSpec) (data.Indexed, error)

	// Detector returns the box decoder for validation inference.
	Detector() Detector

	// Evaluator returns the detection metric computer.
	Evaluator() Evaluator
}

// DataSpec describes which data to open and how to preprocess it.
type DataSpec struct {
	DataDir   string
	Split     string
	ImageSize int
	// InputSize is the crop size fed to the network, a multiple of 32.
	InputSize int
	BatchSize int
}

var (
	registeredBackends = make(map[string]Backend)
	firstRegistered    string
)

// EnvBackend is the environment variable naming the backend to use when more
// than one is linked in.
const EnvBackend = "EAST_BACKEND"

// Register a backend under its name. Call during package initialization.
func Register(b Backend) {
	if len(registeredBackends) == 0 {
		firstRegistered = b.Name()
	}
	registeredBackends[b.Name()] = b
}

// NewBackend returns the backend selected by the EAST_BACKEND environment
// variable, or the first registered one. It fails if no backend was linked
// into the binary.
func NewBackend() (Backend, error) {
	if len(registeredBackends) == 0 {
		return nil, errors.Errorf("no model backend registered -- import one for its side effects")
	}
	name := firstRegistered
	if env, found := os.LookupEnv(EnvBackend); found && env != "" {
		name = env
	}
	b, found := registeredBackends[name]
	if !found {
		known := maps.Keys(registeredBackends)
		xslices.Sort(known)
		return nil, errors.Errorf("unknown model backend %q (%s), registered backends: %s",
			name, EnvBackend, strings.Join(known, ", "))
	}
	return b, nil
}
