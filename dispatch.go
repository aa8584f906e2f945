package mutationq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

type mutationHandler func(ctx context.Context, b Backend, op Operation) error

// handlers has exactly one entry per MutationType.
var handlers = map[MutationType]mutationHandler{
	TypeInsert: execInsert,
	TypeUpdate: execUpdate,
	TypeDelete: execDelete,
	TypeUpsert: execUpsert,
	TypeRPC:    execRPC,
}

// validate checks the structural requirements of each mutation type.
func validate(op Operation) error {
	if !op.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown mutation type %q", op.Type)}
	}
	if op.Type != TypeRPC && op.Table == "" {
		return &ValidationError{Field: "table", Reason: "table is required"}
	}

	switch op.Type {
	case TypeInsert, TypeUpsert:
		_, err := decodeRows(op.Payload)
		return err
	case TypeUpdate:
		if len(op.Filters.Equality()) == 0 {
			return &ValidationError{Field: "filters", Reason: "update mutations require filters"}
		}
		_, err := decodeSet(op.Payload)
		return err
	case TypeDelete:
		if len(op.Filters.Equality()) == 0 {
			return &ValidationError{Field: "filters", Reason: "delete mutations require filters"}
		}
	case TypeRPC:
		_, err := decodeRPC(op.Payload)
		return err
	}
	return nil
}

// execute runs op against b. Handler panics are returned as errors so a
// single bad operation never takes down its batch.
func execute(ctx context.Context, b Backend, op Operation) (err error) {
	if err := validate(op); err != nil {
		return err
	}
	h, ok := handlers[op.Type]
	if !ok {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("no handler for %q", op.Type)}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s %s panicked: %v", op.Type, op.Table, r)
		}
	}()
	return h(ctx, b, op)
}

func execInsert(ctx context.Context, b Backend, op Operation) error {
	rows, err := decodeRows(op.Payload)
	if err != nil {
		return err
	}
	_, err = b.Insert(ctx, op.Table, rows, selectOr(op.Filters, "*"))
	return err
}

func execUpdate(ctx context.Context, b Backend, op Operation) error {
	set, err := decodeSet(op.Payload)
	if err != nil {
		return err
	}
	_, err = b.Update(ctx, op.Table, set, op.Filters.Equality(), selectOr(op.Filters, "*"))
	return err
}

func execDelete(ctx context.Context, b Backend, op Operation) error {
	_, err := b.Delete(ctx, op.Table, op.Filters.Equality(), op.Filters.Select())
	return err
}

func execUpsert(ctx context.Context, b Backend, op Operation) error {
	rows, err := decodeRows(op.Payload)
	if err != nil {
		return err
	}
	onConflict := op.Filters.OnConflict()
	if onConflict == "" {
		onConflict = "id"
	}
	_, err = b.Upsert(ctx, op.Table, rows, onConflict, selectOr(op.Filters, "*"))
	return err
}

func execRPC(ctx context.Context, b Backend, op Operation) error {
	call, err := decodeRPC(op.Payload)
	if err != nil {
		return err
	}
	params := call.Params
	if params == nil {
		params = map[string]any{}
	}
	_, err = b.RPC(ctx, call.Function, params)
	return err
}

func selectOr(f Filters, def string) string {
	if s := f.Select(); s != "" {
		return s
	}
	return def
}

// decodeRows accepts a single row object or an array of row objects.
func decodeRows(payload json.RawMessage) ([]Row, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "payload is required"}
	}
	if trimmed[0] == '[' {
		var rows []Row
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, &ValidationError{Field: "payload", Reason: "rows must be JSON objects: " + err.Error()}
		}
		if len(rows) == 0 {
			return nil, &ValidationError{Field: "payload", Reason: "at least one row is required"}
		}
		for i, r := range rows {
			if len(r) == 0 {
				return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("row %d is empty", i)}
			}
		}
		return rows, nil
	}
	row, err := decodeSet(trimmed)
	if err != nil {
		return nil, err
	}
	return []Row{row}, nil
}

func decodeSet(payload json.RawMessage) (Row, error) {
	var row Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "payload must be a JSON object: " + err.Error()}
	}
	if len(row) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "payload has no columns"}
	}
	return row, nil
}

func decodeRPC(payload json.RawMessage) (RPCPayload, error) {
	var call RPCPayload
	if err := json.Unmarshal(payload, &call); err != nil {
		return call, &ValidationError{Field: "payload", Reason: "rpc payload must be {function, params}: " + err.Error()}
	}
	if call.Function == "" {
		return call, &ValidationError{Field: "payload", Reason: "rpc mutations require a function name"}
	}
	return call, nil
}
