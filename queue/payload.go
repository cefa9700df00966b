package queue

import "encoding/json"

// PostPayload is the payload carried by CREATE_POST jobs. The planner stamps
// it at enqueue; the posting handler, the dispatch gate and the dashboards
// read it. Display names are denormalized so readers never join back to the
// schedule tables.
type PostPayload struct {
	ScheduleID      string `json:"scheduleId"`
	ScheduleRunID   string `json:"scheduleRunId"`
	UserID          string `json:"userId"`
	TemplateID      string `json:"templateId"`
	SequenceNumber  int    `json:"sequenceNumber"`
	TotalExecutions int    `json:"totalExecutions"`
	RunDate         string `json:"runDate"` // YYYY-MM-DD in the planner zone
	ScheduleName    string `json:"scheduleName,omitempty"`
	TemplateName    string `json:"templateName,omitempty"`
	CafeName        string `json:"cafeName,omitempty"`
	BoardName       string `json:"boardName,omitempty"`
}

// DecodePostPayload parses a CREATE_POST payload.
func DecodePostPayload(raw json.RawMessage) (PostPayload, error) {
	var p PostPayload
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}
