package identity

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/acme/session-dispatch/internal/domain"
)

// phoneBookEntry is the on-disk shape of one contact kept by an identity.
type phoneBookEntry struct {
	Phone       flexInt `json:"phone"`
	PromoID     string  `json:"promo_id,omitempty"`
	Var1        string  `json:"var_1,omitempty"`
	Var2        string  `json:"var_2,omitempty"`
	Var3        string  `json:"var_3,omitempty"`
	CheckResult string  `json:"check_result,omitempty"`
	UserID      flexInt `json:"user_id,omitempty"`
	Username    string  `json:"username,omitempty"`
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
	SessionName string  `json:"session_name,omitempty"`
}

func (e phoneBookEntry) toModel() domain.WorkItem {
	return domain.WorkItem{
		Phone:       int64(e.Phone),
		PromoID:     e.PromoID,
		Var1:        e.Var1,
		Var2:        e.Var2,
		Var3:        e.Var3,
		CheckResult: domain.CheckResult(e.CheckResult),
		UserID:      int64(e.UserID),
		Username:    e.Username,
		FirstName:   e.FirstName,
		LastName:    e.LastName,
		CheckedBy:   e.SessionName,
	}
}

func fromModel(item domain.WorkItem) phoneBookEntry {
	return phoneBookEntry{
		Phone:       flexInt(item.Phone),
		PromoID:     item.PromoID,
		Var1:        item.Var1,
		Var2:        item.Var2,
		Var3:        item.Var3,
		CheckResult: string(item.CheckResult),
		UserID:      flexInt(item.UserID),
		Username:    item.Username,
		FirstName:   item.FirstName,
		LastName:    item.LastName,
		SessionName: item.CheckedBy,
	}
}

// flexInt accepts both JSON numbers and numeric strings; older records
// stored phones as the raw CSV string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "+")
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}
