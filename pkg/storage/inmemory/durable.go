package inmemory

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/go-memdb"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/journal"
)

// rowDecoders restore the rows of every table from their journal encoding.
var rowDecoders = map[string]func(data []byte) (any, error){
	tableProcessDefinition:       decodeProcessDefinition,
	tableProcessInstance:         decodeRow[runtime.ProcessInstance],
	tableFlowNodeInstance:        decodeRow[runtime.FlowNodeInstance],
	tableArchivedFlowNode:        decodeRow[runtime.ArchivedFlowNodeInstance],
	tableArchivedProcessInstance: decodeRow[runtime.ArchivedProcessInstance],
	tableConnectorInstance:       decodeRow[runtime.ConnectorInstance],
	tableComment:                 decodeRow[runtime.Comment],
	tableVariable:                decodeRow[runtime.VariableInstance],
	tablePlatform:                decodeRow[platformProperty],
}

func decodeRow[T any](data []byte) (any, error) {
	var row T
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func decodeProcessDefinition(data []byte) (any, error) {
	var def runtime.ProcessDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if def.Process != nil {
		if err := def.Process.Build(); err != nil {
			return nil, fmt.Errorf("failed to index process %s: %w", def.ProcessId, err)
		}
	}
	return def, nil
}

// NewDurableStorage creates a storage that writes every committed transaction to j
// and starts from the rows j already holds.
// Numbers in variable values are restored as float64.
func NewDurableStorage(ctx context.Context, j journal.Journal) (*Storage, error) {
	mem := NewStorage()
	if err := mem.restore(ctx, j); err != nil {
		return nil, err
	}
	mem.journal = j
	return mem, nil
}

// Fresh reports whether the storage started without persisted rows.
func (mem *Storage) Fresh() bool {
	return mem.restored == 0
}

func (mem *Storage) restore(ctx context.Context, j journal.Journal) error {
	w := mem.db.Txn(true)
	defer w.Abort()
	for _, table := range slices.Sorted(maps.Keys(rowDecoders)) {
		rows, err := j.Load(ctx, table)
		if err != nil {
			return err
		}
		decode := rowDecoders[table]
		for key, data := range rows {
			row, err := decode(data)
			if err != nil {
				return fmt.Errorf("failed to decode %s row %s: %w", table, key, err)
			}
			if err := w.Insert(table, row); err != nil {
				return fmt.Errorf("failed to restore %s row %s: %w", table, key, err)
			}
			mem.restored++
		}
	}
	w.Commit()
	return nil
}

// persist writes the changes of a transaction before it commits, a failed write aborts the transaction.
func (mem *Storage) persist(ctx context.Context, changes memdb.Changes) error {
	if len(changes) == 0 {
		return nil
	}
	batch := make([]journal.Change, 0, len(changes))
	for _, c := range changes {
		row := c.After
		if c.Deleted() {
			row = c.Before
		}
		key, err := mem.rowKey(c.Table, row)
		if err != nil {
			return err
		}
		change := journal.Change{Table: c.Table, Key: key}
		if !c.Deleted() {
			if change.Value, err = json.Marshal(c.After); err != nil {
				return fmt.Errorf("failed to encode %s row %s: %w", c.Table, key, err)
			}
		}
		batch = append(batch, change)
	}
	return mem.journal.Write(ctx, batch)
}

// rowKey encodes the unique id index value of row.
func (mem *Storage) rowKey(table string, row any) (string, error) {
	indexer, ok := mem.schema.Tables[table].Indexes[indexId].Indexer.(memdb.SingleIndexer)
	if !ok {
		return "", fmt.Errorf("table %s has no single value id index", table)
	}
	found, value, err := indexer.FromObject(row)
	if err != nil {
		return "", fmt.Errorf("failed to index %s row: %w", table, err)
	}
	if !found {
		return "", fmt.Errorf("%s row has no id", table)
	}
	return hex.EncodeToString(value), nil
}
