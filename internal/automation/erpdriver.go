package automation

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// ExportParser turns a raw ERP export document into records. The ERP exports
// per-type PDF documents; parsing them is a separate concern plugged in here.
// Parsers return IncompleteExportError when a document is truncated.
type ExportParser interface {
	Parse(syncType models.SyncType, data []byte) (records []models.Record, declared int, err error)
}

// OperationScript drives the ERP UI for one operation type. Scripts must
// check ctx between UI steps and classify failures with this package's typed
// errors. The concrete page selectors live with the deployment, not here.
type OperationScript func(ctx context.Context, page playwright.Page, payload map[string]interface{}) (map[string]interface{}, error)

// exportURL builds the export request URL, narrowing it with the payload's
// lookback window and record cap when present. The record cap survives a
// JSON round trip as float64, so both numeric shapes are accepted.
func exportURL(baseURL, path string, payload map[string]interface{}) string {
	full := baseURL + path
	params := url.Values{}

	if lookback, ok := payload["lookback"].(string); ok && lookback != "" {
		params.Set("lookback", lookback)
	}
	switch n := payload["record_cap"].(type) {
	case int:
		if n > 0 {
			params.Set("limit", strconv.Itoa(n))
		}
	case float64:
		if n > 0 {
			params.Set("limit", strconv.Itoa(int(n)))
		}
	}

	if len(params) == 0 {
		return full
	}
	return full + "?" + params.Encode()
}

// exportPaths maps each sync type to the ERP's export document path.
var exportPaths = map[models.SyncType]string{
	models.SyncCustomers:    "/export/Clienti.pdf",
	models.SyncProducts:     "/export/Articoli.pdf",
	models.SyncPrices:       "/export/Prezzi.pdf",
	models.SyncOrders:       "/export/Ordini.pdf",
	models.SyncShippingDocs: "/export/DDT.pdf",
	models.SyncInvoices:     "/export/Fatture.pdf",
}

// ERPDriver is the playwright-backed Executor. Sync tasks download the
// type's export document through the session's authenticated browser context
// and hand it to the parser; operation tasks dispatch to registered scripts.
type ERPDriver struct {
	baseURL string
	parser  ExportParser
	scripts map[models.OperationType]OperationScript
}

// NewERPDriver creates a driver for the ERP at baseURL.
func NewERPDriver(baseURL string, parser ExportParser) *ERPDriver {
	return &ERPDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		parser:  parser,
		scripts: make(map[models.OperationType]OperationScript),
	}
}

// RegisterScript binds an operation type to its UI script.
func (d *ERPDriver) RegisterScript(t models.OperationType, script OperationScript) {
	d.scripts[t] = script
}

// RunTask implements Executor.
func (d *ERPDriver) RunTask(ctx context.Context, task Task, session browserpool.Session) (*Result, error) {
	sess, ok := session.(*browserpool.PlaywrightSession)
	if !ok {
		return nil, fmt.Errorf("erp driver requires a playwright session, got %T", session)
	}

	if syncType, isSync := strings.CutPrefix(task.Type, "sync:"); isSync {
		t, err := models.ParseSyncType(syncType)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return d.runSync(ctx, t, task.Payload, sess)
	}
	return d.runOperation(ctx, task, sess)
}

// runSync downloads the export document for the sync type using the
// session's cookie-authenticated request context, then parses it. A payload
// carrying a lookback window narrows the export to recently-changed records.
func (d *ERPDriver) runSync(ctx context.Context, t models.SyncType, payload map[string]interface{}, sess *browserpool.PlaywrightSession) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, ok := exportPaths[t]
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("no export path for sync type %s", t)}
	}

	resp, err := sess.Context.Request().Get(exportURL(d.baseURL, path, payload))
	if err != nil {
		return nil, &NetworkError{Op: "export " + string(t), Err: err}
	}
	if resp.Status() >= 500 {
		return nil, &NetworkError{Op: "export " + string(t), Err: fmt.Errorf("erp returned status %d", resp.Status())}
	}
	if resp.Status() != 200 {
		return nil, &ValidationError{Reason: fmt.Sprintf("export %s returned status %d", t, resp.Status())}
	}

	body, err := resp.Body()
	if err != nil {
		return nil, &NetworkError{Op: "read export " + string(t), Err: err}
	}

	// The export can be large; re-check the stop signal before parsing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, declared, err := d.parser.Parse(t, body)
	if err != nil {
		return nil, fmt.Errorf("parse %s export: %w", t, err)
	}

	log.Printf(`{"level":"info","message":"Export parsed","sync_type":"%s","records":%d,"declared":%d}`,
		t, len(records), declared)
	return &Result{Records: records, Expected: declared}, nil
}

// runOperation dispatches to the registered UI script for the task's type.
func (d *ERPDriver) runOperation(ctx context.Context, task Task, sess *browserpool.PlaywrightSession) (*Result, error) {
	script, ok := d.scripts[models.OperationType(task.Type)]
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("no script registered for operation type %s", task.Type)}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output, err := script(ctx, sess.Page(), task.Payload)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output}, nil
}
