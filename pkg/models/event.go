package models

// StorageEvent is the bucket notification sent by the storage provider
// (S3 and MinIO share this shape).
type StorageEvent struct {
	// Event is only set on synthetic events such as s3:TestEvent.
	Event     string          `json:"Event,omitempty"`
	EventName string          `json:"EventName,omitempty"`
	Key       string          `json:"Key,omitempty"`
	Records   []StorageRecord `json:"Records"`
}

// TestEventName marks a connectivity test sent when a notification target
// is configured.
const TestEventName = "s3:TestEvent"

// IsTest reports whether the event is a connectivity test.
func (e StorageEvent) IsTest() bool {
	return e.Event == TestEventName
}

// StorageRecord describes one object change.
type StorageRecord struct {
	EventSource string        `json:"eventSource"`
	AwsRegion   string        `json:"awsRegion"`
	EventTime   string        `json:"eventTime"`
	EventName   string        `json:"eventName"`
	S3          StorageEntity `json:"s3"`
}

type StorageEntity struct {
	Bucket StorageBucket `json:"bucket"`
	Object StorageObject `json:"object"`
}

type StorageBucket struct {
	Name string `json:"name"`
}

// StorageObject carries the object key URL-encoded the way the provider
// sends it (spaces as '+').
type StorageObject struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	ETag      string `json:"eTag,omitempty"`
	Sequencer string `json:"sequencer,omitempty"`
}

// NotificationMessage is one validated record as seen by the dispatcher.
type NotificationMessage struct {
	EventType     string `json:"event_type"`
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	Size          int64  `json:"size"`
	ReceiptHandle uint64 `json:"receipt_handle"`
}
