package tracelog

import (
	"encoding/json"

	"github.com/haasonsaas/rlmd/pkg/models"
)

func marshalEvent(ev models.TraceEvent) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
