package domain

import "time"

// CareRecipient maps a patient to one responsible destination on one
// channel. Rows are owned by the host platform's care-relationship
// management; this service only ever reads them.
type CareRecipient struct {
	ID             string
	PatientID      string
	RelationshipID string
	Channel        Channel
	Destination    string
	Tier           Tier
	CreatedAt      time.Time
}
