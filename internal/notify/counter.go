package notify

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

// Title is the notification title.
const Title = "名義SPOT管理"

// Summary counts near-term records.
type Summary struct {
	Total     int
	ByStation map[stations.Station]int
}

// Count tallies records whose start date is within [0, thresholdDays) days of now and
// whose status is not excluded from notifications.
func Count(collections map[stations.Station]records.Collection, thresholdDays int, now time.Time) Summary {
	summary := Summary{ByStation: make(map[stations.Station]int, len(stations.All()))}
	for _, station := range stations.All() {
		summary.ByStation[station] = 0
		for _, record := range collections[station] {
			if record == nil || records.ExcludedFromNotify(record.Status()) {
				continue
			}
			days, ok := records.DaysUntil(record.StartKey(), now)
			if !ok || days < 0 || days >= thresholdDays {
				continue
			}
			summary.Total++
			summary.ByStation[station]++
		}
	}
	return summary
}

// Message is what a Notifier delivers.
type Message struct {
	Title string
	Body  string
}

// MessageFor renders the summary, or reports false when there is nothing to announce.
func MessageFor(summary Summary) (Message, bool) {
	if summary.Total == 0 {
		return Message{}, false
	}
	body := fmt.Sprintf("公演日の近いイベントが %d件あります（802: %d / COCOLO: %d）",
		summary.Total,
		summary.ByStation[stations.Station802],
		summary.ByStation[stations.StationCocolo])
	return Message{Title: Title, Body: body}, true
}
