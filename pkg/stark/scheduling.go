package stark

// TaintEffect controls what a taint does to pods that do not tolerate it.
type TaintEffect string

const (
	TaintEffectNoSchedule       TaintEffect = "NoSchedule"
	TaintEffectPreferNoSchedule TaintEffect = "PreferNoSchedule"
	TaintEffectNoExecute        TaintEffect = "NoExecute"
)

type Taint struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Effect TaintEffect `json:"effect"`
}

type TolerationOperator string

const (
	TolerationOpEqual  TolerationOperator = "Equal"
	TolerationOpExists TolerationOperator = "Exists"
)

type Toleration struct {
	Key      string             `json:"key"`
	Operator TolerationOperator `json:"operator,omitempty"`
	Value    string             `json:"value,omitempty"`
	Effect   TaintEffect        `json:"effect,omitempty"`
}

// ToleratesTaint reports whether the toleration matches the taint. An empty
// effect on the toleration matches any effect; operator defaults to Equal.
func (t Toleration) ToleratesTaint(taint Taint) bool {
	if t.Effect != "" && t.Effect != taint.Effect {
		return false
	}
	if t.Key != "" && t.Key != taint.Key {
		return false
	}
	switch t.Operator {
	case TolerationOpExists:
		return true
	case TolerationOpEqual, "":
		return t.Value == taint.Value
	}
	return false
}

// Tolerated reports whether any toleration in the list matches the taint.
func Tolerated(taint Taint, tolerations []Toleration) bool {
	for _, tol := range tolerations {
		if tol.ToleratesTaint(taint) {
			return true
		}
	}
	return false
}

type SelectorOperator string

const (
	SelectorOpIn           SelectorOperator = "In"
	SelectorOpNotIn        SelectorOperator = "NotIn"
	SelectorOpExists       SelectorOperator = "Exists"
	SelectorOpDoesNotExist SelectorOperator = "DoesNotExist"
)

type SelectorRequirement struct {
	Key      string           `json:"key"`
	Operator SelectorOperator `json:"operator"`
	Values   []string         `json:"values,omitempty"`
}

// Matches evaluates the requirement against a label set.
func (r SelectorRequirement) Matches(labels map[string]string) bool {
	value, ok := labels[r.Key]
	switch r.Operator {
	case SelectorOpExists:
		return ok
	case SelectorOpDoesNotExist:
		return !ok
	case SelectorOpIn:
		if !ok {
			return false
		}
		for _, v := range r.Values {
			if v == value {
				return true
			}
		}
		return false
	case SelectorOpNotIn:
		if !ok {
			return true
		}
		for _, v := range r.Values {
			if v == value {
				return false
			}
		}
		return true
	}
	return false
}

// NodeSelectorTerm is a conjunction of requirements; terms in a list are
// OR-ed together.
type NodeSelectorTerm struct {
	MatchExpressions []SelectorRequirement `json:"matchExpressions,omitempty"`
}

func (t NodeSelectorTerm) Matches(labels map[string]string) bool {
	for _, req := range t.MatchExpressions {
		if !req.Matches(labels) {
			return false
		}
	}
	return true
}

type PreferredSchedulingTerm struct {
	Weight int              `json:"weight"`
	Term   NodeSelectorTerm `json:"term"`
}

type NodeAffinity struct {
	Required  []NodeSelectorTerm        `json:"required,omitempty"`
	Preferred []PreferredSchedulingTerm `json:"preferred,omitempty"`
}

// PodAffinityTerm selects pods by label; used for co-location preferences
// and anti-affinity spreading.
type PodAffinityTerm struct {
	MatchLabels map[string]string `json:"matchLabels,omitempty"`
	Weight      int               `json:"weight,omitempty"`
}

func (t PodAffinityTerm) MatchesPod(pod *Pod) bool {
	if len(t.MatchLabels) == 0 {
		return false
	}
	for k, v := range t.MatchLabels {
		if pod.Labels[k] != v {
			return false
		}
	}
	return true
}

// SchedulingSpec gathers the placement constraints a pod carries.
type SchedulingSpec struct {
	NodeSelector    map[string]string `json:"nodeSelector,omitempty"`
	NodeAffinity    *NodeAffinity     `json:"nodeAffinity,omitempty"`
	PodAffinity     []PodAffinityTerm `json:"podAffinity,omitempty"`
	PodAntiAffinity []PodAffinityTerm `json:"podAntiAffinity,omitempty"`
}
