package v1alpha1

// StepKind groups steps by the flow that runs them.
type StepKind string

const (
	StepKindVerify   StepKind = "verify"
	StepKindInspect  StepKind = "inspect"
	StepKindClean    StepKind = "clean"
	StepKindDeploy   StepKind = "deploy"
	StepKindDelete   StepKind = "delete"
	StepKindRescue   StepKind = "rescue"
	StepKindUnrescue StepKind = "unrescue"
	StepKindAdopt    StepKind = "adopt"
)

// Step is one unit of work scoped to a capability interface.
type Step struct {
	Interface InterfaceType  `json:"interface"`
	Step      string         `json:"step"`
	Priority  int            `json:"priority"`
	Args      map[string]any `json:"args,omitempty"`
	Abortable bool           `json:"abortable"`
}

// Key returns "interface.step".
func (s Step) Key() string {
	return string(s.Interface) + "." + s.Step
}

// DeepCopy returns a copy of s with its own args map.
func (s Step) DeepCopy() Step {
	out := s
	if s.Args != nil {
		out.Args = make(map[string]any, len(s.Args))
		for k, v := range s.Args {
			out.Args[k] = v
		}
	}
	return out
}

// StepArg describes an argument a step accepts.
type StepArg struct {
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// StepInfo describes a step available for a node.
type StepInfo struct {
	Step
	Kind     StepKind           `json:"kind"`
	ArgsInfo map[string]StepArg `json:"args_info,omitempty"`
}
