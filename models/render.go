package models

import (
	"bytes"
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// DocumentRenderer turns orders and invoices into downloadable files.
// Rendering reads committed state only and never touches the ledger.
type DocumentRenderer struct {
	Store  utils.FileStore
	Mailer utils.MailSender
}

func NewDocumentRenderer(store utils.FileStore, mailer utils.MailSender) *DocumentRenderer {
	if mailer == nil {
		mailer = utils.NoopMailSender{}
	}
	return &DocumentRenderer{Store: store, Mailer: mailer}
}

func (r *DocumentRenderer) RenderSalesOrderXLSX(ctx context.Context, id int) ([]byte, string, error) {
	order, err := GetSalesOrder(ctx, id)
	if err != nil {
		return nil, "", err
	}
	customer, err := GetCustomer(ctx, order.CustomerId)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	setCells(f, sheet, 1, "Sales Order", order.OrderNumber)
	setCells(f, sheet, 2, "Date", order.OrderDate.Format("2006-01-02"))
	setCells(f, sheet, 3, "Customer", customer.Name)
	setCells(f, sheet, 4, "Site", order.SiteName)
	setCells(f, sheet, 5, "Status", string(order.CurrentStatus))

	setCells(f, sheet, 7, "Item", "Description", "Qty", "Unit", "Rate", "Amount")
	rowNum := 8
	for _, detail := range order.Details {
		setCells(f, sheet, rowNum,
			detail.ItemCode, detail.Description,
			detail.DetailQty.String(), detail.Unit,
			detail.DetailUnitRate.String(),
			detail.DetailQty.Mul(detail.DetailUnitRate).String())
		rowNum++
	}
	for _, expense := range order.Expenses {
		setCells(f, sheet, rowNum, "", expense.Description, "", "", "", expense.Price.String())
		rowNum++
	}
	setCells(f, sheet, rowNum+1, "", "", "", "", "Total", order.OrderTotalAmount.String())

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), order.OrderNumber + ".xlsx", nil
}

func (r *DocumentRenderer) RenderPurchaseOrderXLSX(ctx context.Context, id int) ([]byte, string, error) {
	order, err := GetPurchaseOrder(ctx, id)
	if err != nil {
		return nil, "", err
	}
	supplier, err := GetSupplier(ctx, order.SupplierId)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	setCells(f, sheet, 1, "Purchase Order", order.OrderNumber)
	setCells(f, sheet, 2, "Date", order.OrderDate.Format("2006-01-02"))
	setCells(f, sheet, 3, "Supplier", supplier.Name)
	setCells(f, sheet, 4, "Payment Terms", string(supplier.PaymentTerms))
	setCells(f, sheet, 5, "Status", string(order.CurrentStatus))

	setCells(f, sheet, 7, "Item", "HSN", "Qty", "Rate", "Amount")
	rowNum := 8
	for _, detail := range order.Details {
		setCells(f, sheet, rowNum,
			detail.ItemCode, detail.HsnCode,
			detail.DetailQty.String(),
			detail.DetailUnitRate.String(),
			detail.DetailQty.Mul(detail.DetailUnitRate).String())
		rowNum++
	}
	for _, expense := range order.Expenses {
		setCells(f, sheet, rowNum, "", expense.Description, "", "", expense.Price.String())
		rowNum++
	}
	setCells(f, sheet, rowNum+1, "", "", "", "Total", order.OrderTotalAmount.String())

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), order.OrderNumber + ".xlsx", nil
}

// RenderInvoicePDF lays out a printable invoice. Drafts render with a
// DRAFT watermark title instead of a number.
func (r *DocumentRenderer) RenderInvoicePDF(ctx context.Context, id int) ([]byte, string, error) {
	invoice, err := GetInvoice(ctx, id)
	if err != nil {
		return nil, "", err
	}
	customer, err := GetCustomer(ctx, invoice.CustomerId)
	if err != nil {
		return nil, "", err
	}

	title := invoice.InvoiceNumber
	if utils.DereferencePtr(invoice.IsDraft) {
		title = "DRAFT"
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, "Tax Invoice "+title)
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 11)
	pdf.Cell(0, 7, "Date: "+invoice.InvoiceDate.Format("2006-01-02"))
	pdf.Ln(7)
	pdf.Cell(0, 7, "Customer: "+customer.Name)
	pdf.Ln(7)
	if customer.Address != "" {
		pdf.MultiCell(0, 6, customer.Address, "", "L", false)
	}
	pdf.Ln(5)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(70, 8, "Item", "1", 0, "L", false, 0, "")
	pdf.CellFormat(30, 8, "Qty", "1", 0, "R", false, 0, "")
	pdf.CellFormat(40, 8, "Rate", "1", 0, "R", false, 0, "")
	pdf.CellFormat(50, 8, "Amount", "1", 1, "R", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	for _, detail := range invoice.Details {
		salesDetail, err := utils.FetchModel[SalesOrderDetail](ctx, detail.SalesOrderDetailId)
		if err != nil {
			return nil, "", err
		}
		pdf.CellFormat(70, 8, salesDetail.ItemCode, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 8, detail.Qty.String(), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 8, detail.UnitRate.String(), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 8, detail.Qty.Mul(detail.UnitRate).String(), "1", 1, "R", false, 0, "")
	}

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(140, 8, "Total ("+invoice.Currency+")", "1", 0, "R", false, 0, "")
	pdf.CellFormat(50, 8, invoice.TotalAmount.String(), "1", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, "", err
	}
	name := title + ".pdf"
	if title == "DRAFT" {
		name = fmt.Sprintf("draft_invoice_%d.pdf", invoice.ID)
	}
	return buf.Bytes(), name, nil
}

// StageInvoicePDF renders and uploads the invoice, returning the URL.
func (r *DocumentRenderer) StageInvoicePDF(ctx context.Context, id int) (string, error) {
	data, name, err := r.RenderInvoicePDF(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Store.AddFile(ctx, name, "application/pdf", data)
}

// EmailInvoice renders the invoice and mails it to the recipients. The
// customer's address is used when none are given.
func (r *DocumentRenderer) EmailInvoice(ctx context.Context, id int, to []string) error {
	invoice, err := GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		customer, err := GetCustomer(ctx, invoice.CustomerId)
		if err != nil {
			return err
		}
		if customer.Email == "" {
			return fmt.Errorf("customer %s has no email address", customer.Name)
		}
		to = []string{customer.Email}
	}

	data, name, err := r.RenderInvoicePDF(ctx, id)
	if err != nil {
		return err
	}
	subject := "Invoice " + invoice.InvoiceNumber
	if invoice.InvoiceNumber == "" {
		subject = "Draft invoice"
	}
	return r.Mailer.Send(ctx, to, subject, "Please find the invoice attached.", name, data)
}

func setCells(f *excelize.File, sheet string, row int, values ...string) {
	for i, value := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, value)
	}
}
