package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(Config{
		AccountSID:  "AC_test",
		AuthToken:   "token",
		PhoneNumber: "+15550009999",
		ServerHost:  "calls.example.com",
	})
	c.baseURL = srv.URL
	return c, srv
}

func TestStartCall(t *testing.T) {
	var gotPath, gotTo, gotURL string
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotTo = r.PostForm.Get("To")
		gotURL = r.PostForm.Get("Url")
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC_test" || pass != "token" {
			t.Error("missing basic auth")
		}
		w.Write([]byte(`{"sid": "CA42"}`))
	})
	defer srv.Close()

	sid, err := c.StartCall(context.Background(), "+15551112222")
	if err != nil {
		t.Fatal(err)
	}
	if sid != "CA42" {
		t.Errorf("sid = %q", sid)
	}
	if gotPath != "/2010-04-01/Accounts/AC_test/Calls.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotTo != "+15551112222" || gotURL != "https://calls.example.com/incoming" {
		t.Errorf("to = %q, url = %q", gotTo, gotURL)
	}
}

func TestEndCallSetsCompleted(t *testing.T) {
	var gotStatus string
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotStatus = r.PostForm.Get("Status")
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	if err := c.EndCall(context.Background(), "CA1"); err != nil {
		t.Fatal(err)
	}
	if gotStatus != "completed" {
		t.Errorf("status = %q", gotStatus)
	}
}

func TestTransferCallRedirects(t *testing.T) {
	var gotURL string
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotURL = r.PostForm.Get("Url")
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	if err := c.TransferCall(context.Background(), "CA1", "+15553334444"); err != nil {
		t.Fatal(err)
	}
	if gotURL != "http://twimlets.com/forward?PhoneNumber=%2B15553334444" {
		t.Errorf("url = %q", gotURL)
	}
}

func TestCallStatus(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "in-progress"}`))
	})
	defer srv.Close()

	status, err := c.CallStatus(context.Background(), "CA1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "in-progress" {
		t.Errorf("status = %q", status)
	}
}

func TestSendWhatsAppPrefixesAddresses(t *testing.T) {
	var gotFrom, gotTo string
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotFrom = r.PostForm.Get("From")
		gotTo = r.PostForm.Get("To")
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	if err := c.SendWhatsApp(context.Background(), "+15551112222", "hi"); err != nil {
		t.Fatal(err)
	}
	if gotFrom != "whatsapp:+15550009999" || gotTo != "whatsapp:+15551112222" {
		t.Errorf("from = %q, to = %q", gotFrom, gotTo)
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	c, srv := testClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "nope"}`, http.StatusUnauthorized)
	})
	defer srv.Close()

	if err := c.EndCall(context.Background(), "CA1"); err == nil {
		t.Error("expected error on 401")
	}
}
