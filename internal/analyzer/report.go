package analyzer

// Envelope is the success output of an analyzer.
type Envelope struct {
	Success    bool                   `json:"success"`
	Summary    map[string]interface{} `json:"summary"`
	Artifacts  []Artifact             `json:"artifacts"`
	Operations []Operation            `json:"operations"`
	Full       interface{}            `json:"full"`
}

// ReportOption configures Report.
type ReportOption func(*reportConfig)

type reportConfig struct {
	ensureASCII bool
}

// WithEnsureASCII escapes every non-ASCII character in the output.
func WithEnsureASCII() ReportOption {
	return func(c *reportConfig) { c.ensureASCII = true }
}

// Report composes the success envelope around full and writes it. Failing
// summary or operations hooks yield {} and []; a failing artifacts hook is
// logged and yields [].
func (a *Analyzer) Report(full interface{}, opts ...ReportOption) error {
	var cfg reportConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	env := a.compose(full)
	if err := a.Worker.Report(env, cfg.ensureASCII); err != nil {
		return err
	}

	a.mu.Lock()
	a.envelope = &env
	a.mu.Unlock()
	return nil
}

// Envelope returns the written success envelope, or nil.
func (a *Analyzer) Envelope() *Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.envelope
}

func (a *Analyzer) compose(full interface{}) Envelope {
	return Envelope{
		Success:    true,
		Summary:    a.summary(full),
		Artifacts:  a.artifacts(full),
		Operations: a.operations(full),
		Full:       full,
	}
}

func (a *Analyzer) summary(full interface{}) (summary map[string]interface{}) {
	summary = map[string]interface{}{}
	s, ok := a.impl.(Summarizer)
	if !ok {
		return summary
	}

	defer func() {
		if r := recover(); r != nil {
			summary = map[string]interface{}{}
		}
	}()

	out, err := s.Summary(full)
	if err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func (a *Analyzer) operations(full interface{}) (ops []Operation) {
	ops = []Operation{}
	o, ok := a.impl.(Operator)
	if !ok {
		return ops
	}

	defer func() {
		if r := recover(); r != nil {
			ops = []Operation{}
		}
	}()

	out, err := o.Operations(full)
	if err != nil || out == nil {
		return []Operation{}
	}
	return out
}

func (a *Analyzer) artifacts(full interface{}) (arts []Artifact) {
	arts = []Artifact{}
	defer func() {
		if r := recover(); r != nil {
			a.Logger().Printf("Artifact extraction panicked: %v", r)
			arts = []Artifact{}
		}
	}()

	l, ok := a.impl.(ArtifactLister)
	if !ok {
		arts = a.ExtractArtifacts(full)
		a.Logger().Printf("Extracted %d artifact(s)", len(arts))
		return arts
	}

	out, err := l.Artifacts(a, full)
	if err != nil {
		a.Logger().Printf("Artifact listing failed: %v", err)
		return []Artifact{}
	}
	if out == nil {
		return []Artifact{}
	}
	return out
}
