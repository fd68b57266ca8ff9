package globaltensor

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Manager owns the contexts of the jobs of a session, indexed by name. At most one context is open at a time.
// It is safe for concurrent use, but the contexts it returns are not.
type Manager struct {
	mu      sync.Mutex
	options Options
	jobs    map[string]*Context
	names   []string
	current *Context
}

// NewManager returns a Manager creating contexts with the given options.
func NewManager(options Options) *Manager {
	return &Manager{options: options.withDefaults(), jobs: make(map[string]*Context)}
}

// Open creates the context of a new job and makes it current.
func (m *Manager) Open(jobName string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobName == "" {
		return nil, errs.New(errs.InvalidArgument, "job name cannot be empty")
	}
	if m.current != nil {
		return nil, errs.Errorf(errs.InvalidState, "can't open job %q: job %q is still open", jobName, m.current.JobName())
	}
	if _, found := m.jobs[jobName]; found {
		return nil, errs.Errorf(errs.AlreadyExists, "duplicate name: job %q already exists", jobName)
	}
	c := NewContext(jobName, m.options)
	m.jobs[jobName] = c
	m.names = append(m.names, jobName)
	m.current = c
	klog.V(1).Infof("job %q opened", jobName)
	return c, nil
}

// Close closes the current context. Its job stays available through Get.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errs.New(errs.InvalidState, "no job is open")
	}
	m.current.close()
	klog.V(1).Infof("job %q closed", m.current.JobName())
	m.current = nil
	return nil
}

// Current returns the open context.
func (m *Manager) Current() (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, errs.New(errs.InvalidState, "no job is open")
	}
	return m.current, nil
}

// CurrentJobName returns the name of the open job.
func (m *Manager) CurrentJobName() (string, error) {
	c, err := m.Current()
	if err != nil {
		return "", err
	}
	return c.JobName(), nil
}

// Get returns the context of a job, open or closed.
func (m *Manager) Get(jobName string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, found := m.jobs[jobName]
	if !found {
		return nil, errs.Errorf(errs.NotFound, "job %q not found", jobName)
	}
	return c, nil
}

// JobNames returns the names of the jobs in the order they were opened.
func (m *Manager) JobNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.names)
}

// SetJobConfText parses a JobConfig in text format and sets it on the current job.
func (m *Manager) SetJobConfText(text string) error {
	c, err := m.Current()
	if err != nil {
		return err
	}
	jobConf, err := conf.ParseJobConfig(text)
	if err != nil {
		return err
	}
	return c.SetJobConf(jobConf)
}

// AddAndInferGlobalOpText parses an OperatorConf in text format, adds it to the current job as a global
// operator and returns its OpAttribute in text format.
func (m *Manager) AddAndInferGlobalOpText(text string) (string, error) {
	return m.addAndInferText(text, false)
}

// AddAndInferLocalOpText is the local operator version of AddAndInferGlobalOpText.
func (m *Manager) AddAndInferLocalOpText(text string) (string, error) {
	return m.addAndInferText(text, true)
}

func (m *Manager) addAndInferText(text string, local bool) (string, error) {
	c, err := m.Current()
	if err != nil {
		return "", err
	}
	oc, err := conf.ParseOperatorConf(text)
	if err != nil {
		return "", err
	}
	var attr *conf.OpAttribute
	if local {
		attr, err = c.AddAndInferLocalOp(oc)
	} else {
		attr, err = c.AddAndInferGlobalOp(oc)
	}
	if err != nil {
		return "", err
	}
	return attr.Text(), nil
}

// GetJobStructureGraphJSON returns the structure of the current job as JSON.
func (m *Manager) GetJobStructureGraphJSON() (string, error) {
	c, err := m.Current()
	if err != nil {
		return "", err
	}
	return c.GetJobStructureGraphJSON()
}

// BuildJob opens a job, runs the steps of the definition, marks its losses, checks and completes it, then
// closes it. The context is returned even on failure, as far as it got.
func (m *Manager) BuildJob(ctx context.Context, def *conf.JobDefinition) (*Context, error) {
	if def == nil || def.JobConf == nil {
		return nil, errs.New(errs.InvalidArgument, "job definition requires a job conf")
	}
	c, err := m.Open(def.JobConf.JobName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			klog.Errorf("closing job %q: %+v", c.JobName(), closeErr)
		}
	}()
	if err := c.SetJobConf(def.JobConf); err != nil {
		return c, err
	}
	for i, step := range def.Steps {
		if step.Local {
			_, err = c.AddAndInferLocalOp(step.Op)
		} else {
			_, err = c.AddAndInferGlobalOp(step.Op)
		}
		if err != nil {
			return c, errors.WithMessagef(err, "step #%d", i)
		}
	}
	for _, lbn := range def.LossLbns {
		if err := c.AddLossLogicalBlobName(lbn); err != nil {
			return c, err
		}
	}
	if err := c.CheckJob(); err != nil {
		return c, err
	}
	return c, c.Complete(ctx)
}
