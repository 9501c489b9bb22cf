package store

import "github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"

// call_next moves a ticket straight to serving: answering the call and
// walking to the counter are one step at a bank window.
var transitionMap = map[string][]string{
	"call_next":  {models.StatusWaiting},
	"complete":   {models.StatusServing, models.StatusCalled},
	"no_show":    {models.StatusServing, models.StatusCalled},
	"cancel":     {models.StatusWaiting, models.StatusCalled, models.StatusServing},
	"transfer":   {models.StatusWaiting, models.StatusCalled, models.StatusServing},
	"prioritize": {models.StatusWaiting},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
