package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/pbinitiative/zencore/pkg/contract"
)

type Process struct {
	Id                string         `yaml:"id" json:"id"`
	Name              string         `yaml:"name" json:"name"`
	FlowNodes         []FlowNode     `yaml:"flowNodes" json:"flowNodes"`
	SequenceFlows     []SequenceFlow `yaml:"sequenceFlows" json:"sequenceFlows"`
	EventSubProcesses []Process      `yaml:"eventSubProcesses" json:"eventSubProcesses"`

	nodes    map[string]*FlowNode
	outgoing map[string][]SequenceFlow
	incoming map[string][]SequenceFlow
	subs     map[string]*Process
}

type FlowNode struct {
	Id   string      `yaml:"id" json:"id"`
	Name string      `yaml:"name" json:"name"`
	Kind ElementKind `yaml:"kind" json:"kind"`

	// AttachedTo is the activity id a boundary event listens on
	AttachedTo string `yaml:"attachedTo" json:"attachedTo"`
	// Interrupting applies to boundary events and event sub-process start events, defaults to true
	Interrupting *bool            `yaml:"interrupting" json:"interrupting"`
	Timer        *TimerDefinition `yaml:"timer" json:"timer"`

	CalledProcessId string         `yaml:"calledProcessId" json:"calledProcessId"`
	MultiInstance   *MultiInstance `yaml:"multiInstance" json:"multiInstance"`
	Loop            *Loop          `yaml:"loop" json:"loop"`

	// Assignee is the user a human task is assigned to on creation, 0 leaves it unassigned
	Assignee   int64              `yaml:"assignee" json:"assignee"`
	Contract   *contract.Contract `yaml:"contract" json:"contract"`
	Connectors []Connector        `yaml:"connectors" json:"connectors"`
}

type SequenceFlow struct {
	Id     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

type MultiInstance struct {
	Sequential  bool `yaml:"sequential" json:"sequential"`
	Cardinality int  `yaml:"cardinality" json:"cardinality"`
}

// Loop is a standard loop executed at most Maximum times.
type Loop struct {
	Maximum int `yaml:"maximum" json:"maximum"`
}

// Connector is an outbound integration call executed when the activity runs.
// Handler names the connector implementation registered in the engine.
type Connector struct {
	Id      string `yaml:"id" json:"id"`
	Handler string `yaml:"handler" json:"handler"`
}

func (n *FlowNode) IsInterrupting() bool {
	return n.Interrupting == nil || *n.Interrupting
}

var timeZero = time.Unix(0, 0)

// Build indexes the process graph, event sub-processes included, and validates it.
func (p *Process) Build() error {
	return p.build(false)
}

func (p *Process) build(eventSubProcess bool) error {
	p.nodes = make(map[string]*FlowNode, len(p.FlowNodes))
	p.outgoing = map[string][]SequenceFlow{}
	p.incoming = map[string][]SequenceFlow{}
	p.subs = make(map[string]*Process, len(p.EventSubProcesses))
	for i := range p.FlowNodes {
		p.nodes[p.FlowNodes[i].Id] = &p.FlowNodes[i]
	}
	for _, sf := range p.SequenceFlows {
		p.outgoing[sf.Source] = append(p.outgoing[sf.Source], sf)
		p.incoming[sf.Target] = append(p.incoming[sf.Target], sf)
	}
	var errJoin error
	for i := range p.EventSubProcesses {
		sub := &p.EventSubProcesses[i]
		if err := sub.build(true); err != nil {
			errJoin = errors.Join(errJoin, fmt.Errorf("event sub-process %s: %w", sub.Id, err))
		}
		p.subs[sub.Id] = sub
	}
	return errors.Join(errJoin, p.validate(eventSubProcess))
}

func (p *Process) validate(eventSubProcess bool) error {
	var errJoin error
	if p.Id == "" {
		errJoin = errors.Join(errJoin, errors.New("process id is empty"))
	}
	if len(p.nodes) != len(p.FlowNodes) {
		errJoin = errors.Join(errJoin, fmt.Errorf("process %s has duplicate flow node ids", p.Id))
	}
	starts, timerStarts := 0, 0
	for _, n := range p.FlowNodes {
		if !n.Kind.declarable() {
			errJoin = errors.Join(errJoin, fmt.Errorf("flow node %s has unsupported kind %q", n.Id, n.Kind))
			continue
		}
		if n.Timer != nil {
			if _, err := n.Timer.FireTime(timeZero); err != nil {
				errJoin = errors.Join(errJoin, fmt.Errorf("flow node %s: %w", n.Id, err))
			}
		}
		switch n.Kind {
		case KindStartEvent:
			if n.Timer == nil {
				starts++
			} else {
				timerStarts++
			}
		case KindBoundaryEvent:
			target, ok := p.nodes[n.AttachedTo]
			if !ok || !target.Kind.IsActivity() {
				errJoin = errors.Join(errJoin, fmt.Errorf("boundary event %s is not attached to an activity", n.Id))
			}
			if n.Timer == nil {
				errJoin = errors.Join(errJoin, fmt.Errorf("boundary event %s has no timer", n.Id))
			}
		case KindIntermediateCatchEvent:
			if n.Timer == nil {
				errJoin = errors.Join(errJoin, fmt.Errorf("intermediate catch event %s has no timer", n.Id))
			}
		case KindCallActivity:
			if n.CalledProcessId == "" {
				errJoin = errors.Join(errJoin, fmt.Errorf("call activity %s has no called process", n.Id))
			}
		}
		if (n.MultiInstance != nil || n.Loop != nil) && !n.Kind.IsActivity() {
			errJoin = errors.Join(errJoin, fmt.Errorf("flow node %s cannot be repeated", n.Id))
		}
		if n.MultiInstance != nil && n.MultiInstance.Cardinality < 1 {
			errJoin = errors.Join(errJoin, fmt.Errorf("multi instance %s needs a positive cardinality", n.Id))
		}
		if n.Loop != nil && n.Loop.Maximum < 1 {
			errJoin = errors.Join(errJoin, fmt.Errorf("loop %s needs a positive maximum", n.Id))
		}
	}
	for _, sf := range p.SequenceFlows {
		if _, ok := p.nodes[sf.Source]; !ok {
			errJoin = errors.Join(errJoin, fmt.Errorf("sequence flow %s has unknown source %s", sf.Id, sf.Source))
		}
		if _, ok := p.nodes[sf.Target]; !ok {
			errJoin = errors.Join(errJoin, fmt.Errorf("sequence flow %s has unknown target %s", sf.Id, sf.Target))
		}
	}
	switch {
	case eventSubProcess && (timerStarts != 1 || starts != 0):
		errJoin = errors.Join(errJoin, fmt.Errorf("event sub-process %s must have exactly one timer start event", p.Id))
	case !eventSubProcess && (starts != 1 || timerStarts != 0):
		errJoin = errors.Join(errJoin, fmt.Errorf("process %s must have exactly one start event without trigger, found %d", p.Id, starts))
	}
	return errJoin
}

func (p *Process) Node(id string) (*FlowNode, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

func (p *Process) Outgoing(id string) []SequenceFlow {
	return p.outgoing[id]
}

func (p *Process) Incoming(id string) []SequenceFlow {
	return p.incoming[id]
}

// StartEvent returns the start event without a trigger.
func (p *Process) StartEvent() *FlowNode {
	for i := range p.FlowNodes {
		if p.FlowNodes[i].Kind == KindStartEvent && p.FlowNodes[i].Timer == nil {
			return &p.FlowNodes[i]
		}
	}
	return nil
}

// TimerStartEvent returns the timer start event of an event sub-process.
func (p *Process) TimerStartEvent() *FlowNode {
	for i := range p.FlowNodes {
		if p.FlowNodes[i].Kind == KindStartEvent && p.FlowNodes[i].Timer != nil {
			return &p.FlowNodes[i]
		}
	}
	return nil
}

func (p *Process) BoundaryEvents(activityId string) []*FlowNode {
	var res []*FlowNode
	for i := range p.FlowNodes {
		if p.FlowNodes[i].Kind == KindBoundaryEvent && p.FlowNodes[i].AttachedTo == activityId {
			res = append(res, &p.FlowNodes[i])
		}
	}
	return res
}

func (p *Process) EventSubProcess(id string) (*Process, bool) {
	sub, ok := p.subs[id]
	return sub, ok
}
