package bpmn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/storage"
)

// LoadFromFile deploys the process definition stored in a YAML file.
func (engine *Engine) LoadFromFile(ctx context.Context, filename string) (runtime.ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return engine.LoadFromBytes(ctx, data)
}

func (engine *Engine) LoadFromBytes(ctx context.Context, data []byte) (runtime.ProcessDefinition, error) {
	process, err := model.Parse(data)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}
	return engine.DeployDefinition(ctx, process)
}

// DeployDefinition stores a new version of process. Every process it calls, directly or through
// called processes and event sub-processes, must already be deployed.
func (engine *Engine) DeployDefinition(ctx context.Context, process *model.Process) (definition runtime.ProcessDefinition, err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:deploy-definition")
	defer func() { finish(err) }()

	if err := process.Build(); err != nil {
		return definition, fmt.Errorf("invalid process definition %s: %w", process.Id, err)
	}
	var lookupErr error
	_, err = model.CalledProcessIds(process, func(processId string) (*model.Process, bool) {
		if processId == process.Id {
			return process, true
		}
		called, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				lookupErr = errors.Join(lookupErr, err)
			}
			return nil, false
		}
		return called.Process, true
	})
	if err = errors.Join(lookupErr, err); err != nil {
		return definition, fmt.Errorf("failed to deploy %s: %w", process.Id, err)
	}

	version := int32(1)
	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, process.Id)
	switch {
	case err == nil:
		version = latest.Version + 1
	case !errors.Is(err, storage.ErrNotFound):
		return definition, fmt.Errorf("failed to read deployed versions of %s: %w", process.Id, err)
	}

	definition = runtime.ProcessDefinition{
		Key:        engine.generateKey(),
		ProcessId:  process.Id,
		Version:    version,
		Process:    process,
		DeployedAt: time.Now(),
	}
	err = engine.persistence.Update(ctx, func(tx storage.Tx) error {
		return tx.SaveProcessDefinition(ctx, definition)
	})
	if err != nil {
		return runtime.ProcessDefinition{}, fmt.Errorf("failed to save process definition %s: %w", process.Id, err)
	}
	engine.definitions.Add(definition.Key, definition)
	engine.logger.Info(fmt.Sprintf("Deployed process %s version %d with key %d", process.Id, version, definition.Key))
	return definition, nil
}

// definition returns a deployed definition, cached by key.
func (engine *Engine) definition(ctx context.Context, key int64) (runtime.ProcessDefinition, error) {
	if def, ok := engine.definitions.Get(key); ok {
		return def, nil
	}
	def, err := engine.persistence.FindProcessDefinitionByKey(ctx, key)
	if err != nil {
		return def, wrapNotFound(err, &NotFoundError{Entity: "process definition", Key: key})
	}
	engine.definitions.Add(key, def)
	return def, nil
}

// processOf returns the process model an instance runs, the event sub-process for event sub-process instances.
func (engine *Engine) processOf(ctx context.Context, pi runtime.ProcessInstance) (*model.Process, error) {
	def, err := engine.definition(ctx, pi.DefinitionKey)
	if err != nil {
		return nil, err
	}
	if pi.SubProcessId == "" {
		return def.Process, nil
	}
	sub, ok := findEventSubProcess(def.Process, pi.SubProcessId)
	if !ok {
		return nil, newEngineErrorf("event sub-process %s not found in definition %d", pi.SubProcessId, pi.DefinitionKey)
	}
	return sub, nil
}

// findEventSubProcess looks up an event sub-process at any nesting depth.
func findEventSubProcess(root *model.Process, id string) (*model.Process, bool) {
	worklist := []*model.Process{root}
	for len(worklist) > 0 {
		p := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if sub, ok := p.EventSubProcess(id); ok {
			return sub, true
		}
		for i := range p.EventSubProcesses {
			worklist = append(worklist, &p.EventSubProcesses[i])
		}
	}
	return nil, false
}

func wrapNotFound(err error, notFound error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound
	}
	return err
}

func isNotFound(err error) bool {
	var nf *NotFoundError
	return errors.Is(err, storage.ErrNotFound) || errors.As(err, &nf)
}
