package storage

import "testing"

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: " "}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "thumbnails",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "thumbnails" {
		t.Fatalf("unexpected bucket %q", c.Bucket())
	}
}
