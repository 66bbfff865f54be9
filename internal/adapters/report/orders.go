package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/phenrril/ecomcore/internal/domain"
)

const (
	sheetOrders     = "Orders"
	sheetSummary    = "Summary"
	sheetCategories = "Categories"
)

var orderHeader = []any{"Number", "Status", "Customer", "Items", "Subtotal", "Tax", "Shipping", "Discount", "Total", "Created"}

// OrderReport is the content of the admin order workbook.
type OrderReport struct {
	Orders      []domain.Order
	Summary     domain.OrderSummary
	Categories  []*domain.CategoryNode
	GeneratedAt time.Time
}

// WriteOrders renders r as an xlsx workbook into w.
func WriteOrders(w io.Writer, r OrderReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetOrders); err != nil {
		return err
	}
	for _, s := range []string{sheetSummary, sheetCategories} {
		if _, err := f.NewSheet(s); err != nil {
			return err
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return err
	}

	if err := writeOrders(f, r.Orders, bold, money); err != nil {
		return err
	}
	if err := writeSummary(f, r, bold, money); err != nil {
		return err
	}
	if err := writeCategories(f, r.Categories, bold); err != nil {
		return err
	}
	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeOrders(f *excelize.File, orders []domain.Order, bold, money int) error {
	if err := f.SetSheetRow(sheetOrders, "A1", &orderHeader); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheetOrders, 1, 1, bold); err != nil {
		return err
	}
	for i, o := range orders {
		row := []any{
			o.OrderNumber,
			string(o.Status),
			o.CustomerID.String(),
			o.ItemCount(),
			o.Subtotal.InexactFloat64(),
			o.Tax.InexactFloat64(),
			o.ShippingCost.InexactFloat64(),
			o.Discount.InexactFloat64(),
			o.TotalAmount.InexactFloat64(),
			o.CreatedAt.UTC().Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetOrders, cell, &row); err != nil {
			return err
		}
	}
	if len(orders) > 0 {
		if err := f.SetCellStyle(sheetOrders, "E2", fmt.Sprintf("I%d", len(orders)+1), money); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheetOrders, "A", "C", 22)
}

func writeSummary(f *excelize.File, r OrderReport, bold, money int) error {
	rows := [][]any{
		{"Total orders", r.Summary.TotalOrders},
		{"Pending orders", r.Summary.PendingOrders},
		{"Paid orders", r.Summary.PaidOrders},
		{"Total revenue", r.Summary.TotalRevenue.InexactFloat64()},
		{"Average order value", r.Summary.AverageOrderValue.InexactFloat64()},
		{"Generated at", r.GeneratedAt.UTC().Format(time.RFC3339)},
	}
	for i, row := range rows {
		if err := f.SetSheetRow(sheetSummary, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), bold); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetSummary, "B4", "B5", money); err != nil {
		return err
	}
	return f.SetColWidth(sheetSummary, "A", "A", 24)
}

// writeCategories flattens the tree in pre-order, indenting each path by depth.
func writeCategories(f *excelize.File, tree []*domain.CategoryNode, bold int) error {
	header := []any{"Path", "Slug", "Depth"}
	if err := f.SetSheetRow(sheetCategories, "A1", &header); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheetCategories, 1, 1, bold); err != nil {
		return err
	}
	type frame struct {
		node  *domain.CategoryNode
		depth int
		path  string
	}
	stack := make([]frame, 0, len(tree))
	for i := len(tree) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: tree[i], path: tree[i].Name})
	}
	row := 2
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		line := []any{strings.Repeat("  ", top.depth) + top.path, top.node.Slug, top.depth}
		if err := f.SetSheetRow(sheetCategories, fmt.Sprintf("A%d", row), &line); err != nil {
			return err
		}
		row++
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			c := top.node.Children[i]
			stack = append(stack, frame{node: c, depth: top.depth + 1, path: top.path + domain.PathSeparator + c.Name})
		}
	}
	return f.SetColWidth(sheetCategories, "A", "A", 48)
}
