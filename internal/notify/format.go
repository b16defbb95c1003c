package notify

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"fundingpool/models"
)

func percent(rate float64) string {
	return fmt.Sprintf("%+.4f%%", rate*100)
}

// FormatTransition renders an ENTER or EXIT message.
func FormatTransition(ev models.TransitionEvent, stale bool) string {
	var b strings.Builder
	icon := "🟢"
	if ev.Direction() == models.DirectionExit {
		icon = "🔴"
	}
	fmt.Fprintf(&b, "%s %s %s (%s)\n", icon, ev.Direction(), ev.Symbol, ev.Exchange)
	fmt.Fprintf(&b, "Funding rate: %s\n", percent(ev.Rate))
	fmt.Fprintf(&b, "Pool size: %d", ev.PoolSize)
	if ev.Direction() == models.DirectionExit && !ev.EnteredAt.IsZero() {
		fmt.Fprintf(&b, "\nTime in pool: %s", ev.At.Sub(ev.EnteredAt).Round(time.Second))
	}
	if stale {
		b.WriteString("\n⚠️ contract cache is stale")
	}
	return b.String()
}

// FormatPoolSummary lists pool members by descending |rate|.
func FormatPoolSummary(entries []models.PoolEntry, now time.Time) string {
	if len(entries) == 0 {
		return "📊 Pool status: empty"
	}
	sorted := append([]models.PoolEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].LastFundingRate) > math.Abs(sorted[j].LastFundingRate)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Pool status: %d contracts", len(sorted))
	for i, e := range sorted {
		fmt.Fprintf(&b, "\n%d. %s (%s) %s for %s", i+1, e.Symbol, e.Exchange, percent(e.LastFundingRate), now.Sub(e.EnteredAt).Round(time.Minute))
	}
	return b.String()
}

// FormatRefreshFailure reports a failed or partially failed cache refresh.
func FormatRefreshFailure(err error, failed map[string]error) string {
	var b strings.Builder
	b.WriteString("❌ Contract cache refresh failed")
	if err != nil {
		fmt.Fprintf(&b, ": %v", err)
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n- %s: %v", name, failed[name])
	}
	b.WriteString("\nServing the last good snapshot.")
	return b.String()
}

func FormatZeroContracts(intervals []models.Interval) string {
	labels := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		labels = append(labels, iv.String())
	}
	return fmt.Sprintf("⚠️ Contract cache refresh returned no contracts for intervals [%s]", strings.Join(labels, ", "))
}

func FormatStaleCache(cacheTime time.Time, now time.Time) string {
	if cacheTime.IsZero() {
		return "⚠️ Contract cache is missing; rate checks are paused until a refresh succeeds"
	}
	return fmt.Sprintf("⚠️ Contract cache is stale: last refresh %s ago (%s)", now.Sub(cacheTime).Round(time.Minute), cacheTime.UTC().Format(time.RFC3339))
}

// FormatPartialRefresh lists the exchanges left out of an otherwise
// successful refresh.
func FormatPartialRefresh(failed map[string]error, contracts int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Contract cache refreshed with %d contracts, some exchanges failed", contracts)
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n- %s: %v", name, failed[name])
	}
	return b.String()
}
