package notify

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/stretchr/testify/assert"
)

func sampleCollections() map[stations.Station]records.Collection {
	return map[stations.Station]records.Collection{
		stations.Station802: {
			"today":     {"startKey": "2026-03-11", "status": "未確認"},
			"soon":      {"startKey": "2026-03-20", "status": "依頼中"},
			"delivered": {"startKey": "2026-03-12", "status": "搬入済み"},
			"past":      {"startKey": "2026-03-10"},
			"far":       {"startKey": "2026-03-25"},
			"undated":   {"title": "no date"},
		},
		stations.StationCocolo: {
			"text-date": {"dateText": "2026/3/13,14", "status": "未"},
			"confirmed": {"startKey": "2026-03-13", "status": "確認済"},
		},
	}
}

func TestCountAppliesWindowAndExclusions(t *testing.T) {
	now := time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC)
	summary := Count(sampleCollections(), 14, now)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByStation[stations.Station802])
	assert.Equal(t, 1, summary.ByStation[stations.StationCocolo])
}

func TestMessageForFormatsCounts(t *testing.T) {
	message, ok := MessageFor(Summary{Total: 3, ByStation: map[stations.Station]int{
		stations.Station802:    2,
		stations.StationCocolo: 1,
	}})
	assert.True(t, ok)
	assert.Equal(t, Title, message.Title)
	assert.Equal(t, "公演日の近いイベントが 3件あります（802: 2 / COCOLO: 1）", message.Body)

	_, ok = MessageFor(Summary{})
	assert.False(t, ok)
}
