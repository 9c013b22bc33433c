package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/models"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/shopspring/decimal"
)

// setupIntegrationEnv boots MySQL and Redis in throwaway containers and
// points the global connections at them. Skips unless INTEGRATION_TESTS
// is set.
func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "trading_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := utils.SetUserIdInContext(context.Background(), 1)
	ctx = utils.SetUserRoleInContext(ctx, string(models.UserRoleAdmin))
	return ctx
}

// seedLinkedOrders creates one approved sales order line for qty 20
// sourced from two purchase orders (5 and 10), receives both in full and
// returns the ids needed by the allocation scenarios.
func seedLinkedOrders(t *testing.T, ctx context.Context) (salesDetailId int, firstPODetailId int, secondPODetailId int) {
	t.Helper()

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Acme Traders"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	supplier, err := models.CreateSupplier(ctx, &models.NewSupplier{
		Name:         "Bharat Steel",
		PaymentTerms: models.PaymentTermsNet30,
	})
	if err != nil {
		t.Fatalf("CreateSupplier: %v", err)
	}

	orderDate := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	salesOrder, err := models.CreateSalesOrder(ctx, &models.NewSalesOrder{
		OrderDate:  orderDate,
		CustomerId: customer.ID,
		Details: []models.NewSalesOrderDetail{
			{ItemCode: "PIPE-100", DetailQty: decimal.NewFromInt(20), DetailUnitRate: decimal.NewFromInt(240)},
		},
	})
	if err != nil {
		t.Fatalf("CreateSalesOrder: %v", err)
	}
	if salesOrder.CurrentStatus != models.SalesOrderStatusPending {
		t.Fatalf("new sales order should be Pending, got %s", salesOrder.CurrentStatus)
	}
	if _, err := models.ApproveSalesOrder(ctx, salesOrder.ID); err != nil {
		t.Fatalf("ApproveSalesOrder: %v", err)
	}
	salesDetailId = salesOrder.Details[0].ID

	makePO := func(poQty int64) int {
		po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
			OrderDate:  orderDate,
			SupplierId: supplier.ID,
			Details: []models.NewPurchaseOrderDetail{
				{SalesOrderDetailId: salesDetailId, ItemCode: "PIPE-100", DetailQty: decimal.NewFromInt(poQty)},
			},
		})
		if err != nil {
			t.Fatalf("CreatePurchaseOrder: %v", err)
		}
		result, err := models.CreateFulfilmentLog(ctx, &models.NewFulfilmentLog{
			PurchaseOrderId: po.ID,
			GateEntryNumber: fmt.Sprintf("GE-%d", po.ID),
			GateEntryDate:   orderDate,
			Details: []models.NewFulfilmentLogDetail{
				{PurchaseOrderDetailId: po.Details[0].ID, Qty: decimal.NewFromInt(poQty)},
			},
		})
		if err != nil {
			t.Fatalf("CreateFulfilmentLog: %v", err)
		}
		if result.OrderStatus != models.PurchaseOrderStatusClosed {
			t.Fatalf("fully received order should be Closed, got %s", result.OrderStatus)
		}
		return po.Details[0].ID
	}

	firstPODetailId = makePO(5)
	secondPODetailId = makePO(10)

	// both lines linked now; the sales order must have left Pending
	refreshed, err := models.GetSalesOrder(ctx, salesOrder.ID)
	if err != nil {
		t.Fatalf("GetSalesOrder: %v", err)
	}
	if refreshed.CurrentStatus != models.SalesOrderStatusOpen {
		t.Fatalf("linked sales order should be Open, got %s", refreshed.CurrentStatus)
	}
	return salesDetailId, firstPODetailId, secondPODetailId
}

func inventoryFor(t *testing.T, detailId int) models.InventoryItem {
	t.Helper()
	var item models.InventoryItem
	err := config.GetDB().Where("purchase_order_detail_id = ?", detailId).First(&item).Error
	if err != nil {
		t.Fatalf("fetch inventory for detail %d: %v", detailId, err)
	}
	return item
}

func TestInvoiceAllocationDrainsLinkedPurchaseLinesInOrder(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	salesDetailId, firstPO, secondPO := seedLinkedOrders(t, ctx)

	var customerId int
	if err := config.GetDB().Model(&models.Customer{}).Order("id").Limit(1).Pluck("id", &customerId).Error; err != nil {
		t.Fatalf("fetch customer: %v", err)
	}

	result, err := models.CreateInvoice(ctx, &models.NewInvoice{
		InvoiceDate: time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC),
		CustomerId:  customerId,
		Details: []models.NewInvoiceDetail{
			{SalesOrderDetailId: salesDetailId, Qty: decimal.NewFromInt(7)},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if result.Invoice.InvoiceNumber == "" {
		t.Fatalf("non-draft invoice must carry a number")
	}

	// first-linked line (5) drains fully, second covers the remaining 2
	first := inventoryFor(t, firstPO)
	if first.QtyGone.String() != "5" || !first.AvailableQty().IsZero() {
		t.Fatalf("first line should be exhausted, gone=%s avail=%s", first.QtyGone, first.AvailableQty())
	}
	second := inventoryFor(t, secondPO)
	if second.QtyGone.String() != "2" || second.AvailableQty().String() != "8" {
		t.Fatalf("second line should cover the rest, gone=%s avail=%s", second.QtyGone, second.AvailableQty())
	}

	// requesting more than the 8 still available must fail atomically
	_, err = models.CreateInvoice(ctx, &models.NewInvoice{
		InvoiceDate: time.Date(2026, time.August, 21, 0, 0, 0, 0, time.UTC),
		CustomerId:  customerId,
		Details: []models.NewInvoiceDetail{
			{SalesOrderDetailId: salesDetailId, Qty: decimal.NewFromInt(13)},
		},
	})
	if !errors.Is(err, models.ErrorInsufficientInventory) {
		t.Fatalf("expected insufficient inventory, got %v", err)
	}
	first = inventoryFor(t, firstPO)
	second = inventoryFor(t, secondPO)
	if first.QtyGone.String() != "5" || second.QtyGone.String() != "2" {
		t.Fatalf("failed invoice must leave the ledger untouched, gone=%s/%s", first.QtyGone, second.QtyGone)
	}
}

func TestDeleteInvoiceDetailReleasesInventory(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	salesDetailId, firstPO, secondPO := seedLinkedOrders(t, ctx)

	var customerId int
	if err := config.GetDB().Model(&models.Customer{}).Order("id").Limit(1).Pluck("id", &customerId).Error; err != nil {
		t.Fatalf("fetch customer: %v", err)
	}

	result, err := models.CreateInvoice(ctx, &models.NewInvoice{
		InvoiceDate: time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC),
		CustomerId:  customerId,
		Details: []models.NewInvoiceDetail{
			{SalesOrderDetailId: salesDetailId, Qty: decimal.NewFromInt(7)},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if err := models.DeleteInvoiceDetail(ctx, result.Invoice.Details[0].ID); err != nil {
		t.Fatalf("DeleteInvoiceDetail: %v", err)
	}

	first := inventoryFor(t, firstPO)
	second := inventoryFor(t, secondPO)
	if !first.QtyGone.IsZero() || !second.QtyGone.IsZero() {
		t.Fatalf("release must return everything, gone=%s/%s", first.QtyGone, second.QtyGone)
	}

	var salesDetail models.SalesOrderDetail
	if err := config.GetDB().First(&salesDetail, salesDetailId).Error; err != nil {
		t.Fatalf("fetch sales detail: %v", err)
	}
	order, err := models.GetSalesOrder(ctx, salesDetail.SalesOrderId)
	if err != nil {
		t.Fatalf("GetSalesOrder: %v", err)
	}
	if order.CurrentStatus != models.SalesOrderStatusOpen {
		t.Fatalf("uninvoiced order should derive back to Open, got %s", order.CurrentStatus)
	}
}

func TestFulfilmentSkipsOverCapLineWhileOthersApply(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	supplier, err := models.CreateSupplier(ctx, &models.NewSupplier{
		Name:         "Bharat Steel",
		PaymentTerms: models.PaymentTermsNet30,
	})
	if err != nil {
		t.Fatalf("CreateSupplier: %v", err)
	}
	orderDate := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		OrderDate:  orderDate,
		SupplierId: supplier.ID,
		Details: []models.NewPurchaseOrderDetail{
			{ItemCode: "PIPE-100", DetailQty: decimal.NewFromInt(10)},
			{ItemCode: "PIPE-200", DetailQty: decimal.NewFromInt(5)},
		},
	})
	if err != nil {
		t.Fatalf("CreatePurchaseOrder: %v", err)
	}

	result, err := models.CreateFulfilmentLog(ctx, &models.NewFulfilmentLog{
		PurchaseOrderId: po.ID,
		GateEntryNumber: "GE-1",
		GateEntryDate:   orderDate,
		Details: []models.NewFulfilmentLogDetail{
			{PurchaseOrderDetailId: po.Details[0].ID, Qty: decimal.NewFromInt(8)},
			{PurchaseOrderDetailId: po.Details[1].ID, Qty: decimal.NewFromInt(9)}, // over the ordered 5
		},
	})
	if err != nil {
		t.Fatalf("CreateFulfilmentLog: %v", err)
	}
	if result.Lines[0].Outcome != models.LineOutcomeApplied {
		t.Fatalf("in-cap line should apply, got %s", result.Lines[0].Outcome)
	}
	if result.Lines[1].Outcome != models.LineOutcomeSkippedOverCap {
		t.Fatalf("over-cap line should be skipped, got %s", result.Lines[1].Outcome)
	}
	if result.OrderStatus != models.PurchaseOrderStatusFulfilment {
		t.Fatalf("partially received order should be Fulfilment, got %s", result.OrderStatus)
	}

	item := inventoryFor(t, po.Details[0].ID)
	if item.Qty.String() != "8" {
		t.Fatalf("applied line balance expected 8, got %s", item.Qty)
	}
	var count int64
	if err := config.GetDB().Model(&models.InventoryItem{}).
		Where("purchase_order_detail_id = ?", po.Details[1].ID).Count(&count).Error; err != nil {
		t.Fatalf("count inventory: %v", err)
	}
	if count != 0 {
		t.Fatalf("skipped line must not create a ledger row")
	}

	// a receipt in which every line skips must not persist anything
	_, err = models.CreateFulfilmentLog(ctx, &models.NewFulfilmentLog{
		PurchaseOrderId: po.ID,
		GateEntryNumber: "GE-2",
		GateEntryDate:   orderDate,
		Details: []models.NewFulfilmentLogDetail{
			{PurchaseOrderDetailId: po.Details[0].ID, Qty: decimal.NewFromInt(50)},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "no receipt lines") {
		t.Fatalf("expected whole-receipt abort, got %v", err)
	}
	var logCount int64
	if err := config.GetDB().Model(&models.FulfilmentLog{}).
		Where("gate_entry_number = ?", "GE-2").Count(&logCount).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logCount != 0 {
		t.Fatalf("aborted receipt must not leave a log behind")
	}
}

func TestSequentialNumbersAcrossPeriods(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Acme Traders"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	august := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	september := time.Date(2026, time.September, 2, 0, 0, 0, 0, time.UTC)

	first, err := models.CreateSalesOrder(ctx, &models.NewSalesOrder{
		OrderDate: august, CustomerId: customer.ID,
		Details: []models.NewSalesOrderDetail{{ItemCode: "A", DetailQty: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("CreateSalesOrder: %v", err)
	}
	second, err := models.CreateSalesOrder(ctx, &models.NewSalesOrder{
		OrderDate: august, CustomerId: customer.ID,
		Details: []models.NewSalesOrderDetail{{ItemCode: "B", DetailQty: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("CreateSalesOrder: %v", err)
	}
	if first.OrderNumber != "SO2608000001" || second.OrderNumber != "SO2608000002" {
		t.Fatalf("same-period numbers should increment: %s, %s", first.OrderNumber, second.OrderNumber)
	}
	if second.SequenceNo != first.SequenceNo+1 {
		t.Fatalf("sequence numbers should be monotonic: %d then %d", first.SequenceNo, second.SequenceNo)
	}

	third, err := models.CreateSalesOrder(ctx, &models.NewSalesOrder{
		OrderDate: september, CustomerId: customer.ID,
		Details: []models.NewSalesOrderDetail{{ItemCode: "C", DetailQty: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("CreateSalesOrder: %v", err)
	}
	// new period restarts the visible suffix but the counter keeps going
	if third.OrderNumber != "SO2609000001" {
		t.Fatalf("new period should restart the suffix, got %s", third.OrderNumber)
	}
	if third.SequenceNo != second.SequenceNo+1 {
		t.Fatalf("counter must not reset across periods: %d then %d", second.SequenceNo, third.SequenceNo)
	}
}

func TestFinalizeDraftInvoiceIssuesNumberFromInvoiceDate(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	salesDetailId, _, _ := seedLinkedOrders(t, ctx)

	var customerId int
	if err := config.GetDB().Model(&models.Customer{}).Order("id").Limit(1).Pluck("id", &customerId).Error; err != nil {
		t.Fatalf("fetch customer: %v", err)
	}

	march := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	draft, err := models.CreateInvoice(ctx, &models.NewInvoice{
		InvoiceDate: march,
		CustomerId:  customerId,
		IsDraft:     true,
		Details: []models.NewInvoiceDetail{
			{SalesOrderDetailId: salesDetailId, Qty: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if draft.Invoice.InvoiceNumber != "" {
		t.Fatalf("draft must not carry a number, got %s", draft.Invoice.InvoiceNumber)
	}

	// the number's period comes from the invoice date, not the wall clock
	finalized, err := models.FinalizeInvoice(ctx, draft.Invoice.ID)
	if err != nil {
		t.Fatalf("FinalizeInvoice: %v", err)
	}
	if finalized.InvoiceNumber != "IV2603000001" {
		t.Fatalf("number must be issued from the invoice date's period, got %s", finalized.InvoiceNumber)
	}

	// the finalized row must be visible to the next issuance in its
	// period, or the same number would be handed out twice
	second, err := models.CreateInvoice(ctx, &models.NewInvoice{
		InvoiceDate: march.AddDate(0, 0, 5),
		CustomerId:  customerId,
		Details: []models.NewInvoiceDetail{
			{SalesOrderDetailId: salesDetailId, Qty: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if second.Invoice.InvoiceNumber != "IV2603000002" {
		t.Fatalf("same-period issuance must continue past the finalized draft, got %s", second.Invoice.InvoiceNumber)
	}
	if second.Invoice.SequenceNo != finalized.SequenceNo+1 {
		t.Fatalf("sequence numbers should be monotonic: %d then %d", finalized.SequenceNo, second.Invoice.SequenceNo)
	}

	if _, err := models.FinalizeInvoice(ctx, draft.Invoice.ID); err == nil {
		t.Fatalf("finalizing twice must fail")
	}
}

func TestDeleteFulfilmentLogDetailGuardsInvoicedQuantity(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	salesDetailId, firstPO, _ := seedLinkedOrders(t, ctx)

	var customerId int
	if err := config.GetDB().Model(&models.Customer{}).Order("id").Limit(1).Pluck("id", &customerId).Error; err != nil {
		t.Fatalf("fetch customer: %v", err)
	}

	// drains the first-linked line exactly
	result, err := models.CreateInvoice(ctx, &models.NewInvoice{
		InvoiceDate: time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC),
		CustomerId:  customerId,
		Details: []models.NewInvoiceDetail{
			{SalesOrderDetailId: salesDetailId, Qty: decimal.NewFromInt(5)},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	item := inventoryFor(t, firstPO)
	var logDetail models.FulfilmentLogDetail
	if err := config.GetDB().Where("inventory_item_id = ?", item.ID).First(&logDetail).Error; err != nil {
		t.Fatalf("fetch log detail: %v", err)
	}

	err = models.DeleteFulfilmentLogDetail(ctx, logDetail.ID)
	if err == nil || !strings.Contains(err.Error(), "already been invoiced") {
		t.Fatalf("reversal of invoiced quantity must hard-fail, got %v", err)
	}
	item = inventoryFor(t, firstPO)
	if item.Qty.String() != "5" || item.QtyGone.String() != "5" {
		t.Fatalf("failed reversal must leave the ledger untouched, qty=%s gone=%s", item.Qty, item.QtyGone)
	}

	// releasing the invoice line unblocks the reversal
	if err := models.DeleteInvoiceDetail(ctx, result.Invoice.Details[0].ID); err != nil {
		t.Fatalf("DeleteInvoiceDetail: %v", err)
	}
	if err := models.DeleteFulfilmentLogDetail(ctx, logDetail.ID); err != nil {
		t.Fatalf("reversal after release should succeed: %v", err)
	}

	item = inventoryFor(t, firstPO)
	if !item.Qty.IsZero() || !item.QtyGone.IsZero() {
		t.Fatalf("reversed line should hold nothing, qty=%s gone=%s", item.Qty, item.QtyGone)
	}

	// the emptied receipt event is dropped and the order reopens
	var logCount int64
	if err := config.GetDB().Model(&models.FulfilmentLog{}).
		Where("id = ?", logDetail.FulfilmentLogId).Count(&logCount).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logCount != 0 {
		t.Fatalf("receipt log with no remaining lines must be deleted")
	}

	var poDetail models.PurchaseOrderDetail
	if err := config.GetDB().First(&poDetail, firstPO).Error; err != nil {
		t.Fatalf("fetch purchase detail: %v", err)
	}
	order, err := models.GetPurchaseOrder(ctx, poDetail.PurchaseOrderId)
	if err != nil {
		t.Fatalf("GetPurchaseOrder: %v", err)
	}
	if order.CurrentStatus != models.PurchaseOrderStatusOpen {
		t.Fatalf("fully reversed order should derive back to Open, got %s", order.CurrentStatus)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("trading-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("trading-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=trading_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
