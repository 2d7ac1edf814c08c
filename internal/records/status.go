package records

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonical statuses.
const (
	StatusUnconfirmed = "未確認"
	StatusRequested   = "依頼中"
	StatusConfirmed   = "確認済"
	StatusDelivered   = "搬入済"
	StatusNotNeeded   = "不要"
)

var statusAliases = map[string]string{
	"":        StatusUnconfirmed,
	"未":       StatusUnconfirmed,
	"未確認":     StatusUnconfirmed,
	"依頼":      StatusRequested,
	"依頼中":     StatusRequested,
	"依頼済":     StatusRequested,
	"依頼済み":    StatusRequested,
	"確認済":     StatusConfirmed,
	"確認済み":    StatusConfirmed,
	"確認完了":    StatusConfirmed,
	"搬入済":     StatusDelivered,
	"搬入済み":    StatusDelivered,
	"搬入完了":    StatusDelivered,
	"不要":      StatusNotNeeded,
	"対応不要":    StatusNotNeeded,
	"不要(対応外)": StatusNotNeeded,
}

var notifyExcluded = map[string]struct{}{
	StatusDelivered: {},
	StatusNotNeeded: {},
	StatusConfirmed: {},
}

// NormalizeStatus folds width variants and surrounding whitespace and maps known aliases
// onto the canonical vocabulary. Unknown statuses are returned folded but otherwise unchanged.
func NormalizeStatus(raw string) string {
	folded := strings.TrimSpace(norm.NFKC.String(raw))
	folded = strings.ReplaceAll(folded, " ", "")
	if canonical, ok := statusAliases[folded]; ok {
		return canonical
	}
	return folded
}

// ExcludedFromNotify reports whether records in this status never count toward notifications.
func ExcludedFromNotify(status string) bool {
	_, excluded := notifyExcluded[NormalizeStatus(status)]
	return excluded
}
