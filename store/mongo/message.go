package mongo

import (
	"time"

	"github.com/rbaliyan/mailqueue/store"
)

// messageDoc is the MongoDB document representation of a message.
type messageDoc struct {
	ID            string          `bson:"_id"`
	MsgID         string          `bson:"msgid"`
	Subject       string          `bson:"subject"`
	Provider      string          `bson:"provider"`
	Sandbox       bool            `bson:"sandbox"`
	Text          *string         `bson:"text,omitempty"`
	HTML          *string         `bson:"html,omitempty"`
	From          addressDoc      `bson:"from"`
	SentAt        *time.Time      `bson:"sent_at"`
	Status        string          `bson:"status"`
	LockedBy      *string         `bson:"locked_by"`
	LastError     string          `bson:"last_error"`
	CompanyID     *int64          `bson:"company_id,omitempty"`
	EntityID      string          `bson:"entity_id,omitempty"`
	EntityType    string          `bson:"entity_type,omitempty"`
	MigrationInfo string          `bson:"migration_info,omitempty"`
	IDOld         *int64          `bson:"id_old,omitempty"`
	Recipients    []recipientDoc  `bson:"recipients"`
	Attachments   []attachmentDoc `bson:"attachments"`
	CreatedAt     time.Time       `bson:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at"`
}

type addressDoc struct {
	Email  string `bson:"email"`
	Name   string `bson:"name,omitempty"`
	UserID *int64 `bson:"user_id,omitempty"`
}

type recipientDoc struct {
	Type    string     `bson:"type"`
	Address addressDoc `bson:"address"`
}

type attachmentDoc struct {
	ID          string `bson:"id"`
	Filename    string `bson:"filename"`
	ContentType string `bson:"content_type"`
	Disposition string `bson:"content_disposition"`
	URI         string `bson:"uri"`
	Hash        string `bson:"hash"`
	Size        int64  `bson:"size"`
}

func toAddressDoc(a store.Address) addressDoc {
	return addressDoc{Email: a.Email, Name: a.Name, UserID: a.UserID}
}

func (d addressDoc) toAddress() store.Address {
	return store.Address{Email: d.Email, Name: d.Name, UserID: d.UserID}
}

func toDoc(m *store.Message) *messageDoc {
	doc := &messageDoc{
		ID:            m.ID,
		MsgID:         m.MsgID,
		Subject:       m.Subject,
		Provider:      string(m.Provider),
		Sandbox:       m.Sandbox,
		Text:          m.Text,
		HTML:          m.HTML,
		From:          toAddressDoc(m.From),
		SentAt:        m.SentAt,
		Status:        string(m.Status),
		LastError:     m.LastError,
		CompanyID:     m.CompanyID,
		EntityID:      m.EntityID,
		EntityType:    m.EntityType,
		MigrationInfo: m.MigrationInfo,
		IDOld:         m.IDOld,
		Recipients:    make([]recipientDoc, 0, len(m.Recipients)),
		Attachments:   make([]attachmentDoc, 0, len(m.Attachments)),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.LockedBy != "" {
		holder := m.LockedBy
		doc.LockedBy = &holder
	}
	for _, r := range m.Recipients {
		doc.Recipients = append(doc.Recipients, recipientDoc{Type: string(r.Type), Address: toAddressDoc(r.Address)})
	}
	for _, a := range m.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentDoc(a))
	}
	return doc
}

func (d *messageDoc) toMessage() (*store.Message, error) {
	status, err := store.ParseStatus(d.Status)
	if err != nil {
		return nil, err
	}
	provider, err := store.ParseProvider(d.Provider)
	if err != nil {
		return nil, err
	}

	m := &store.Message{
		ID:            d.ID,
		MsgID:         d.MsgID,
		Subject:       d.Subject,
		Provider:      provider,
		Sandbox:       d.Sandbox,
		Text:          d.Text,
		HTML:          d.HTML,
		From:          d.From.toAddress(),
		SentAt:        d.SentAt,
		Status:        status,
		LastError:     d.LastError,
		CompanyID:     d.CompanyID,
		EntityID:      d.EntityID,
		EntityType:    d.EntityType,
		MigrationInfo: d.MigrationInfo,
		IDOld:         d.IDOld,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.LockedBy != nil {
		m.LockedBy = *d.LockedBy
	}
	for _, r := range d.Recipients {
		t, err := store.ParseRecipientType(r.Type)
		if err != nil {
			return nil, err
		}
		m.Recipients = append(m.Recipients, store.Recipient{Type: t, Address: r.Address.toAddress()})
	}
	for _, a := range d.Attachments {
		m.Attachments = append(m.Attachments, store.Attachment(a))
	}
	return m, nil
}
