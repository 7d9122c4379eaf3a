package automation

import (
	"context"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// CredentialFunc resolves the ERP login for an agent.
type CredentialFunc func(agentID string) (username, password string, err error)

// LoginScript builds the pool's authentication hook: open the ERP login page
// and sign the agent in. Sessions come out of it cookie-authenticated, which
// is what both the export downloads and the UI scripts rely on.
func LoginScript(baseURL string, credentials CredentialFunc) browserpool.AuthenticateFunc {
	baseURL = strings.TrimRight(baseURL, "/")
	return func(ctx context.Context, page playwright.Page, agentID string) error {
		username, password, err := credentials(agentID)
		if err != nil {
			return fmt.Errorf("no erp credentials for agent %s: %w", agentID, err)
		}

		if _, err := page.Goto(baseURL + "/login"); err != nil {
			return &NetworkError{Op: "open login page", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := page.Locator("input[name=username]").Fill(username); err != nil {
			return fmt.Errorf("fill username: %w", err)
		}
		if err := page.Locator("input[name=password]").Fill(password); err != nil {
			return fmt.Errorf("fill password: %w", err)
		}
		if err := page.Locator("button[type=submit]").Click(); err != nil {
			return fmt.Errorf("submit login: %w", err)
		}

		// The ERP lands on the dashboard after a successful login; anything
		// else means the credentials were rejected.
		if err := page.Locator("#dashboard").WaitFor(); err != nil {
			return &ValidationError{Reason: fmt.Sprintf("login rejected for agent %s", agentID)}
		}
		return nil
	}
}

// RegisterDefaultScripts binds the standard UI scripts to the driver.
func RegisterDefaultScripts(d *ERPDriver) {
	d.RegisterScript(models.OperationPlaceOrder, placeOrder(d.baseURL))
	d.RegisterScript(models.OperationEditOrder, editOrder(d.baseURL))
	d.RegisterScript(models.OperationSendToFulfillment, sendToFulfillment(d.baseURL))
	d.RegisterScript(models.OperationDeleteOrder, deleteOrder(d.baseURL))
	d.RegisterScript(models.OperationCreateCustomer, createCustomer(d.baseURL))
}

// stringField reads a required string out of an operation payload.
func stringField(payload map[string]interface{}, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("missing payload field %q", key)}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &ValidationError{Reason: fmt.Sprintf("payload field %q must be a non-empty string", key)}
	}
	return s, nil
}

// goTo navigates with network errors classified as transient.
func goTo(page playwright.Page, url string) error {
	if _, err := page.Goto(url); err != nil {
		return &NetworkError{Op: "navigate " + url, Err: err}
	}
	return nil
}

func placeOrder(baseURL string) OperationScript {
	return func(ctx context.Context, page playwright.Page, payload map[string]interface{}) (map[string]interface{}, error) {
		customer, err := stringField(payload, "customer_code")
		if err != nil {
			return nil, err
		}
		lines, ok := payload["lines"].([]interface{})
		if !ok || len(lines) == 0 {
			return nil, &ValidationError{Reason: "an order needs at least one line"}
		}

		if err := goTo(page, baseURL+"/orders/new"); err != nil {
			return nil, err
		}
		if err := page.Locator("input[name=customer]").Fill(customer); err != nil {
			return nil, fmt.Errorf("fill customer: %w", err)
		}
		if err := page.Locator(".customer-suggestion >> nth=0").Click(); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown customer code %s", customer)}
		}

		for i, raw := range lines {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			line, ok := raw.(map[string]interface{})
			if !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("order line %d is malformed", i)}
			}
			article, err := stringField(line, "article_code")
			if err != nil {
				return nil, err
			}
			qty, ok := line["quantity"].(float64)
			if !ok || qty <= 0 {
				return nil, &ValidationError{Reason: fmt.Sprintf("order line %d needs a positive quantity", i)}
			}

			if err := page.Locator("button#add-line").Click(); err != nil {
				return nil, fmt.Errorf("add order line: %w", err)
			}
			row := page.Locator(fmt.Sprintf(".order-line >> nth=%d", i))
			if err := row.Locator("input[name=article]").Fill(article); err != nil {
				return nil, fmt.Errorf("fill article on line %d: %w", i, err)
			}
			if err := row.Locator("input[name=quantity]").Fill(fmt.Sprintf("%g", qty)); err != nil {
				return nil, fmt.Errorf("fill quantity on line %d: %w", i, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := page.Locator("button#save-order").Click(); err != nil {
			return nil, fmt.Errorf("save order: %w", err)
		}
		orderNumber, err := page.Locator("#order-number").TextContent()
		if err != nil {
			return nil, &ValidationError{Reason: "erp did not confirm the order"}
		}

		return map[string]interface{}{
			"order_number": strings.TrimSpace(orderNumber),
			"lines":        len(lines),
		}, nil
	}
}

func editOrder(baseURL string) OperationScript {
	return func(ctx context.Context, page playwright.Page, payload map[string]interface{}) (map[string]interface{}, error) {
		orderNumber, err := stringField(payload, "order_number")
		if err != nil {
			return nil, err
		}

		if err := goTo(page, fmt.Sprintf("%s/orders/%s/edit", baseURL, orderNumber)); err != nil {
			return nil, err
		}
		if visible, _ := page.Locator("#order-locked").IsVisible(); visible {
			return nil, &ValidationError{Reason: fmt.Sprintf("order %s is locked for editing", orderNumber)}
		}

		lines, _ := payload["lines"].([]interface{})
		for i, raw := range lines {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			line, ok := raw.(map[string]interface{})
			if !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("order line %d is malformed", i)}
			}
			article, err := stringField(line, "article_code")
			if err != nil {
				return nil, err
			}
			qty, ok := line["quantity"].(float64)
			if !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("order line %d needs a quantity", i)}
			}

			row := page.Locator(fmt.Sprintf(".order-line[data-article=%q]", article))
			if qty == 0 {
				if err := row.Locator("button.remove-line").Click(); err != nil {
					return nil, fmt.Errorf("remove line %s: %w", article, err)
				}
				continue
			}
			if err := row.Locator("input[name=quantity]").Fill(fmt.Sprintf("%g", qty)); err != nil {
				return nil, fmt.Errorf("update quantity for %s: %w", article, err)
			}
		}

		if err := page.Locator("button#save-order").Click(); err != nil {
			return nil, fmt.Errorf("save order: %w", err)
		}
		return map[string]interface{}{"order_number": orderNumber, "updated_lines": len(lines)}, nil
	}
}

func sendToFulfillment(baseURL string) OperationScript {
	return func(ctx context.Context, page playwright.Page, payload map[string]interface{}) (map[string]interface{}, error) {
		orderNumber, err := stringField(payload, "order_number")
		if err != nil {
			return nil, err
		}

		if err := goTo(page, fmt.Sprintf("%s/orders/%s", baseURL, orderNumber)); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := page.Locator("button#send-to-fulfillment").Click(); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("order %s cannot be sent to fulfillment", orderNumber)}
		}
		if err := page.Locator("#fulfillment-confirmed").WaitFor(); err != nil {
			return nil, &ValidationError{Reason: "erp did not confirm the fulfillment handoff"}
		}

		return map[string]interface{}{"order_number": orderNumber, "status": "sent"}, nil
	}
}

func deleteOrder(baseURL string) OperationScript {
	return func(ctx context.Context, page playwright.Page, payload map[string]interface{}) (map[string]interface{}, error) {
		orderNumber, err := stringField(payload, "order_number")
		if err != nil {
			return nil, err
		}

		if err := goTo(page, fmt.Sprintf("%s/orders/%s", baseURL, orderNumber)); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := page.Locator("button#delete-order").Click(); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("order %s cannot be deleted", orderNumber)}
		}
		if err := page.Locator("button#confirm-delete").Click(); err != nil {
			return nil, fmt.Errorf("confirm delete: %w", err)
		}

		return map[string]interface{}{"order_number": orderNumber, "status": "deleted"}, nil
	}
}

func createCustomer(baseURL string) OperationScript {
	return func(ctx context.Context, page playwright.Page, payload map[string]interface{}) (map[string]interface{}, error) {
		name, err := stringField(payload, "name")
		if err != nil {
			return nil, err
		}
		vat, err := stringField(payload, "vat_number")
		if err != nil {
			return nil, err
		}

		if err := goTo(page, baseURL+"/customers/new"); err != nil {
			return nil, err
		}
		if err := page.Locator("input[name=name]").Fill(name); err != nil {
			return nil, fmt.Errorf("fill customer name: %w", err)
		}
		if err := page.Locator("input[name=vat]").Fill(vat); err != nil {
			return nil, fmt.Errorf("fill vat number: %w", err)
		}
		if address, ok := payload["address"].(string); ok && address != "" {
			if err := page.Locator("input[name=address]").Fill(address); err != nil {
				return nil, fmt.Errorf("fill address: %w", err)
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := page.Locator("button#save-customer").Click(); err != nil {
			return nil, fmt.Errorf("save customer: %w", err)
		}
		code, err := page.Locator("#customer-code").TextContent()
		if err != nil {
			return nil, &ValidationError{Reason: "erp rejected the new customer"}
		}

		return map[string]interface{}{"customer_code": strings.TrimSpace(code)}, nil
	}
}
