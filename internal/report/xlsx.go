package report

import (
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Sheet names in the exported workbook.
const (
	SheetScores     = "Scores"
	SheetPriorities = "Priorities"
	SheetCategories = "Categories"
)

// Workbook builds a three-sheet workbook: headline scores, strategic
// priorities and per-category insights.
func (d *Document) Workbook() (*xlsx.File, error) {
	f := xlsx.NewFile()

	scores, err := f.AddSheet(SheetScores)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add scores sheet")
	}
	addStrings(scores, "Metric", "Value")
	addStrings(scores, "Company", d.Company.Name)
	addStrings(scores, "Audit", d.Audit.ID)
	addStrings(scores, "State", d.Audit.State.String())
	for _, row := range scoreRows(d.Audit) {
		addStrings(scores, row.label, row.value)
	}
	addStrings(scores, "Data quality", string(d.Audit.DataQualityStatus))
	if d.Audit.ErrorMessage != "" {
		addStrings(scores, "Error", d.Audit.ErrorMessage)
	}

	pri, err := f.AddSheet(SheetPriorities)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add priorities sheet")
	}
	addStrings(pri, "Type", "Rank", "Title", "Impact", "Score", "Categories", "Detail")
	for _, p := range d.Priorities {
		for i, it := range p.Items {
			row := pri.AddRow()
			row.AddCell().SetString(TypeTitle(p.Type))
			row.AddCell().SetInt(i + 1)
			row.AddCell().SetString(it.Title)
			row.AddCell().SetString(it.Impact)
			row.AddCell().SetFloat(it.Score)
			row.AddCell().SetString(strings.Join(it.Categories, ", "))
			row.AddCell().SetString(it.Detail)
		}
	}

	cats, err := f.AddSheet(SheetCategories)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add categories sheet")
	}
	addStrings(cats, "Category", "Type", "Rank", "Title", "Score", "Detail")
	for _, c := range d.Categories {
		for i, it := range c.Items {
			row := cats.AddRow()
			row.AddCell().SetString(c.Category)
			row.AddCell().SetString(TypeTitle(c.Type))
			row.AddCell().SetInt(i + 1)
			row.AddCell().SetString(it.Title)
			row.AddCell().SetFloat(it.Score)
			row.AddCell().SetString(it.Detail)
		}
	}
	return f, nil
}

// SaveXLSX writes the workbook to path.
func (d *Document) SaveXLSX(path string) error {
	f, err := d.Workbook()
	if err != nil {
		return err
	}
	return eris.Wrap(f.Save(path), "xlsx: save")
}

// WriteXLSX streams the workbook to w.
func (d *Document) WriteXLSX(w io.Writer) error {
	f, err := d.Workbook()
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "xlsx: write")
}

func addStrings(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}
