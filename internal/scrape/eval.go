package scrape

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/rclaim/internal/auth"
	"github.com/dgnsrekt/rclaim/internal/watch"
)

// jsMapCells walks every map cell on the page and returns the three text
// fragments this relay cares about, wrapped in an ok/data/error envelope so
// page-side failures surface as decodable errors instead of eval panics.
const jsMapCells = `
(function() {
  try {
    var cells = [];
    var nodes = document.querySelectorAll(".map-cell");
    for (var i = 0; i < nodes.length; i++) {
      var cell = nodes[i];
      var pick = function(sel) {
        var el = cell.querySelector(sel);
        return el && el.textContent ? el.textContent : "";
      };
      cells.push({
        bottom_left: pick(".bottom-left-text"),
        bottom_right: pick(".bottom-right-text"),
        top_right: pick(".top-right-text")
      });
    }
    return {ok: true, data: cells};
  } catch (e) {
    return {ok: false, error_message: String(e)};
  }
})()
`

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// rawCell is one cell exactly as the page reports it, before sanitization.
type rawCell struct {
	BottomLeft  string `json:"bottom_left"`
	BottomRight string `json:"bottom_right"`
	TopRight    string `json:"top_right"`
}

// decodeCells sanitizes raw page fragments and builds cell reports. Cells
// whose coordinates sanitize to nothing are skipped; a cell is marked when
// its bottom-left text carries the battle marker.
func decodeCells(cells []rawCell) []watch.CellReport {
	reports := make([]watch.CellReport, 0, len(cells))
	for _, cell := range cells {
		loc, err := watch.NewLocation(
			auth.Sanitize(strings.TrimSpace(cell.BottomRight)),
			auth.Sanitize(strings.TrimSpace(cell.TopRight)),
		)
		if err != nil {
			slog.Debug("skipping map cell with unusable coordinates", "error", err)
			continue
		}
		reports = append(reports, watch.CellReport{
			Location: loc,
			Marked:   strings.ContainsRune(auth.Sanitize(cell.BottomLeft), auth.Marker),
		})
	}
	return reports
}
