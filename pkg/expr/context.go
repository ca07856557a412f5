package expr

// Status is the job or step status seen by success(), failure() and
// cancelled().
type Status struct {
	// Failure is set once a previous step, or a needed job, failed.
	Failure bool
	// Cancelled is set once the run or the instance was cancelled.
	Cancelled bool
	// Skipped is set when a needed job was skipped or cancelled.
	Skipped bool
}

func (s Status) Success() bool { return !s.Failure && !s.Cancelled && !s.Skipped }

// Context holds the namespaces an expression can read. Each namespace is a
// tree of map[string]any, []any, string, float64, bool and nil values.
type Context struct {
	Github   map[string]any
	Runner   map[string]any
	Env      map[string]any
	Vars     map[string]any
	Job      map[string]any
	Jobs     map[string]any
	Matrix   map[string]any
	Strategy map[string]any
	Needs    map[string]any
	Steps    map[string]any
	Secrets  map[string]any
	Inputs   map[string]any

	Status Status

	// Workspace is the directory hashFiles() resolves patterns against.
	Workspace string
}

// namespace returns the root map for name, or false if it is not available in
// this context.
func (c *Context) namespace(name string) (map[string]any, bool) {
	var ns map[string]any
	switch name {
	case "github":
		ns = c.Github
	case "runner":
		ns = c.Runner
	case "env":
		ns = c.Env
	case "vars":
		ns = c.Vars
	case "job":
		ns = c.Job
	case "jobs":
		ns = c.Jobs
	case "matrix":
		ns = c.Matrix
	case "strategy":
		ns = c.Strategy
	case "needs":
		ns = c.Needs
	case "steps":
		ns = c.Steps
	case "secrets":
		ns = c.Secrets
	case "inputs":
		ns = c.Inputs
	default:
		return nil, false
	}
	if ns == nil {
		return map[string]any{}, true
	}
	return ns, true
}

// Clone returns a copy whose namespaces can be replaced without touching c.
// Namespace contents are shared; callers replace, never mutate, them.
func (c *Context) Clone() *Context {
	cp := *c
	return &cp
}

// WithStatus returns a copy of c using s.
func (c *Context) WithStatus(s Status) *Context {
	cp := c.Clone()
	cp.Status = s
	return cp
}
