package inmemory

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/pbinitiative/zencore/pkg/journal"
	"github.com/pbinitiative/zencore/pkg/storage"
)

const (
	tableProcessDefinition       = "process_definition"
	tableProcessInstance         = "process_instance"
	tableFlowNodeInstance        = "flow_node_instance"
	tableArchivedFlowNode        = "archived_flow_node_instance"
	tableArchivedProcessInstance = "archived_process_instance"
	tableConnectorInstance       = "connector_instance"
	tableComment                 = "comment"
	tableVariable                = "variable"
	tablePlatform                = "platform"

	indexId              = "id"
	indexProcessId       = "process_id"
	indexParent          = "parent"
	indexProcessInstance = "process_instance"
	indexAttachedTo      = "attached_to"
	indexSource          = "source"
	indexFlowNode        = "flow_node"
	indexInstanceName    = "instance_name"
)

func intIndex(name, field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{Name: name, Indexer: &memdb.IntFieldIndex{Field: field}}
}

func keyTable(name string, secondary ...*memdb.IndexSchema) *memdb.TableSchema {
	indexes := map[string]*memdb.IndexSchema{
		indexId: {Name: indexId, Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Key"}},
	}
	for _, idx := range secondary {
		indexes[idx.Name] = idx
	}
	return &memdb.TableSchema{Name: name, Indexes: indexes}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableProcessDefinition: keyTable(tableProcessDefinition,
				&memdb.IndexSchema{Name: indexProcessId, Indexer: &memdb.StringFieldIndex{Field: "ProcessId"}},
			),
			tableProcessInstance: keyTable(tableProcessInstance,
				intIndex(indexParent, "ParentKey"),
			),
			tableFlowNodeInstance: keyTable(tableFlowNodeInstance,
				intIndex(indexProcessInstance, "ProcessInstanceKey"),
				intIndex(indexParent, "ParentKey"),
				intIndex(indexAttachedTo, "AttachedToKey"),
			),
			tableArchivedFlowNode: keyTable(tableArchivedFlowNode,
				intIndex(indexProcessInstance, "ProcessInstanceKey"),
				intIndex(indexSource, "SourceKey"),
			),
			tableArchivedProcessInstance: keyTable(tableArchivedProcessInstance,
				intIndex(indexSource, "SourceKey"),
			),
			tableConnectorInstance: keyTable(tableConnectorInstance,
				intIndex(indexProcessInstance, "ProcessInstanceKey"),
				intIndex(indexFlowNode, "FlowNodeKey"),
			),
			tableComment: keyTable(tableComment,
				intIndex(indexProcessInstance, "ProcessInstanceKey"),
			),
			tableVariable: keyTable(tableVariable,
				intIndex(indexProcessInstance, "ProcessInstanceKey"),
				&memdb.IndexSchema{Name: indexInstanceName, Unique: true, Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.IntFieldIndex{Field: "ProcessInstanceKey"},
						&memdb.StringFieldIndex{Field: "Name"},
					},
				}},
			),
			tablePlatform: {
				Name: tablePlatform,
				Indexes: map[string]*memdb.IndexSchema{
					indexId: {Name: indexId, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
				},
			},
		},
	}
}

// Storage keeps engine state in a go-memdb database,
// please use NewStorage to create a new object of this type.
type Storage struct {
	reader
	db     *memdb.MemDB
	schema *memdb.DBSchema
	// journal receives the changes of every committed transaction, nil keeps the storage volatile
	journal  journal.Journal
	restored int
}

var _ storage.Storage = &Storage{}

func NewStorage() *Storage {
	dbSchema := schema()
	db, err := memdb.NewMemDB(dbSchema)
	if err != nil {
		// the schema is static, an error here is a programming error
		panic(fmt.Sprintf("invalid in-memory schema: %s", err))
	}
	return &Storage{
		reader: reader{db: db},
		db:     db,
		schema: dbSchema,
	}
}

// Update runs fn in a write transaction. Write transactions are serialized, so fn
// must not call Update itself.
func (mem *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := mem.db.Txn(true)
	defer w.Abort()
	if mem.journal != nil {
		w.TrackChanges()
	}
	if err := fn(&tx{reader: reader{db: mem.db, w: w}}); err != nil {
		return err
	}
	if mem.journal != nil {
		if err := mem.persist(ctx, w.Changes()); err != nil {
			return err
		}
	}
	w.Commit()
	return nil
}

// reader serves reads from the write transaction when there is one, from a fresh snapshot otherwise.
type reader struct {
	db *memdb.MemDB
	w  *memdb.Txn
}

var _ storage.Reader = &reader{}

func (r *reader) txn() *memdb.Txn {
	if r.w != nil {
		return r.w
	}
	return r.db.Txn(false)
}

type tx struct {
	reader
}

var _ storage.Tx = &tx{}

func first[T any](r *reader, table string, args ...interface{}) (T, error) {
	var zero T
	raw, err := r.txn().First(table, indexId, args...)
	if err != nil {
		return zero, fmt.Errorf("failed to read %s: %w", table, err)
	}
	if raw == nil {
		return zero, storage.ErrNotFound
	}
	return raw.(T), nil
}

func list[T any](r *reader, table, index string, match func(T) bool, args ...interface{}) ([]T, error) {
	it, err := r.txn().Get(table, index, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	res := []T{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		item := raw.(T)
		if match == nil || match(item) {
			res = append(res, item)
		}
	}
	return res, nil
}

func (t *tx) insert(table string, obj interface{}) error {
	if err := t.w.Insert(table, obj); err != nil {
		return fmt.Errorf("failed to save into %s: %w", table, err)
	}
	return nil
}

func (t *tx) deleteByKey(table string, key int64) error {
	raw, err := t.w.First(table, indexId, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", table, err)
	}
	if raw == nil {
		return storage.ErrNotFound
	}
	if err := t.w.Delete(table, raw); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

func (t *tx) deleteAll(table, index string, args ...interface{}) (int, error) {
	n, err := t.w.DeleteAll(table, index, args...)
	if err != nil {
		return n, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return n, nil
}
