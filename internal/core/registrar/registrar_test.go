package registrar

import (
	"strconv"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/asterisk/pjsipcore/internal/core/model"
)

func newRegisterRequest(t *testing.T, contacts ...*sip.ContactHeader) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:alice@example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.REGISTER, uri)
	for _, c := range contacts {
		req.AppendHeader(c)
	}
	return req
}

func contactHeader(t *testing.T, rawURI string, expires *int) *sip.ContactHeader {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri(rawURI, &uri); err != nil {
		t.Fatalf("ParseUri(%q): %v", rawURI, err)
	}
	ch := &sip.ContactHeader{Address: uri, Params: sip.NewParams()}
	if expires != nil {
		ch.Params.Add("expires", strconv.Itoa(*expires))
	}
	return ch
}

func starContact(t *testing.T) *sip.ContactHeader {
	t.Helper()
	return &sip.ContactHeader{Address: sip.Uri{Wildcard: true}, Params: sip.NewParams()}
}

func TestParseContactsBasic(t *testing.T) {
	exp := 3600
	req := newRegisterRequest(t, contactHeader(t, "sip:bob@192.168.1.10:5060", &exp))

	inputs, err := parseContacts(req)
	if err != nil {
		t.Fatalf("parseContacts: %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("len(inputs) = %d, want 1", len(inputs))
	}
	if inputs[0].star {
		t.Fatal("inputs[0].star = true, want false")
	}
	if !inputs[0].expiresSet || inputs[0].expires != 3600 {
		t.Fatalf("inputs[0] = %+v, want expires=3600", inputs[0])
	}
}

func TestParseContactsWithoutExpiresParam(t *testing.T) {
	req := newRegisterRequest(t, contactHeader(t, "sip:bob@192.168.1.10:5060", nil))

	inputs, err := parseContacts(req)
	if err != nil {
		t.Fatalf("parseContacts: %v", err)
	}
	if inputs[0].expiresSet {
		t.Fatal("expiresSet = true, want false (no expires param present)")
	}
}

func TestParseContactsWildcardAloneWithZeroExpires(t *testing.T) {
	req := newRegisterRequest(t, starContact(t))
	req.AppendHeader(sip.NewHeader("Expires", "0"))

	inputs, err := parseContacts(req)
	if err != nil {
		t.Fatalf("parseContacts: %v", err)
	}
	if len(inputs) != 1 || !inputs[0].star {
		t.Fatalf("inputs = %+v, want single star entry", inputs)
	}
}

func TestParseContactsWildcardMixedIsRejected(t *testing.T) {
	exp := 60
	req := newRegisterRequest(t, starContact(t), contactHeader(t, "sip:bob@host", &exp))
	req.AppendHeader(sip.NewHeader("Expires", "0"))

	if _, err := parseContacts(req); err == nil {
		t.Fatal("parseContacts() error = nil, want error for wildcard mixed with other contacts")
	}
}

func TestParseContactsWildcardRequiresZeroExpires(t *testing.T) {
	req := newRegisterRequest(t, starContact(t))
	req.AppendHeader(sip.NewHeader("Expires", "3600"))

	if _, err := parseContacts(req); err == nil {
		t.Fatal("parseContacts() error = nil, want error for wildcard with nonzero Expires")
	}
}

func TestCheckIntervalTooBrief(t *testing.T) {
	aor := &model.AOR{MinimumExpiration: 60}
	r := &Registrar{}

	tooLow := 30
	ok := 120
	if se := r.checkIntervalTooBrief(aor, []contactInput{{uri: "sip:a", expires: tooLow, expiresSet: true}}); se != ErrIntervalTooBrief {
		t.Fatalf("checkIntervalTooBrief() = %v, want ErrIntervalTooBrief", se)
	}
	if se := r.checkIntervalTooBrief(aor, []contactInput{{uri: "sip:a", expires: ok, expiresSet: true}}); se != nil {
		t.Fatalf("checkIntervalTooBrief() = %v, want nil", se)
	}
	if se := r.checkIntervalTooBrief(aor, []contactInput{{uri: "sip:a", expires: 0, expiresSet: true}}); se != nil {
		t.Fatalf("checkIntervalTooBrief() = %v, want nil for unregister", se)
	}
}

func TestCheckMaxContacts(t *testing.T) {
	aor := &model.AOR{MaxContacts: 1, RemoveExisting: false}
	r := &Registrar{}

	existing := []*model.Contact{{ID: "c1", URI: "sip:existing@host"}}
	adds := []contactInput{{uri: "sip:new@host", expires: 3600, expiresSet: true}}

	if se := r.checkMaxContacts(aor, existing, adds); se != ErrMaxContacts {
		t.Fatalf("checkMaxContacts() = %v, want ErrMaxContacts (would exceed 1 with remove_existing=false)", se)
	}

	aor.RemoveExisting = true
	if se := r.checkMaxContacts(aor, existing, adds); se != nil {
		t.Fatalf("checkMaxContacts() = %v, want nil when remove_existing replaces the old contact", se)
	}
}

func TestFindByURIAndTouchedBy(t *testing.T) {
	c := &model.Contact{ID: "c1", URI: "sip:bob@host"}
	contacts := []*model.Contact{c}

	if got := findByURI(contacts, "sip:bob@host"); got != c {
		t.Fatalf("findByURI() = %v, want %v", got, c)
	}
	if got := findByURI(contacts, "sip:other@host"); got != nil {
		t.Fatalf("findByURI() = %v, want nil", got)
	}

	inputs := []contactInput{{uri: "sip:bob@host"}}
	if !touchedBy(c, inputs) {
		t.Fatal("touchedBy() = false, want true")
	}
	if touchedBy(&model.Contact{URI: "sip:other@host"}, inputs) {
		t.Fatal("touchedBy() = true, want false")
	}
}
