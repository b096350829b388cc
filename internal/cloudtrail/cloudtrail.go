// Package cloudtrail extracts EC2 instance and AMI tag activity from CloudTrail
// logs delivered through S3 event notifications.
package cloudtrail

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// S3Object locates a delivered log file.
type S3Object struct {
	Bucket string
	Key    string
}

// Record is one decoded CloudTrail record.
type Record map[string]any

// InstanceEvent is an instance power or attribute change seen in a log.
type InstanceEvent struct {
	AWSAccountID string
	Region       string
	InstanceID   string
	EventType    model.InstanceEventType
	OccurredAt   time.Time
	InstanceType string
	ImageID      string
	SubnetID     string
}

// AMITagEvent is a cloudigrade tag added to or removed from an AMI.
type AMITagEvent struct {
	AWSAccountID string
	Region       string
	ImageID      string
	Tag          string
	Exists       bool
	OccurredAt   time.Time
}

var instanceEventTypes = map[string]model.InstanceEventType{
	"RunInstances":            model.EventPowerOn,
	"StartInstances":          model.EventPowerOn,
	"RebootInstances":         model.EventPowerOn,
	"StopInstances":           model.EventPowerOff,
	"TerminateInstances":      model.EventPowerOff,
	"ModifyInstanceAttribute": model.EventAttributeChange,
}

var trackedTags = map[string]bool{
	model.OpenShiftTag: true,
	model.RHELTag:      true,
}

const (
	exprCreatedObjects = "Records[?starts_with(eventName, 'ObjectCreated')].{bucket: s3.bucket.name, key: s3.object.key}"
	exprRunItems       = "responseElements.instancesSet.items[].{id: instanceId, type: instanceType, image: imageId, subnet: subnetId}"
	exprResponseIDs    = "responseElements.instancesSet.items[].instanceId"
	exprRequestIDs     = "requestParameters.instancesSet.items[].instanceId"
	exprAMIResources   = "requestParameters.resourcesSet.items[?starts_with(resourceId, 'ami-')].resourceId"
	exprTagKeys        = "requestParameters.tagSet.items[].key"
)

// IsTestEvent reports whether body is the s3:TestEvent S3 sends when a
// notification is configured.
func IsTestEvent(body string) bool {
	var msg struct {
		Service string `json:"Service"`
		Event   string `json:"Event"`
	}
	if err := json.Unmarshal([]byte(unwrapSNS(body)), &msg); err != nil {
		return false
	}
	return msg.Service == "Amazon S3" && msg.Event == "s3:TestEvent"
}

// unwrapSNS returns the inner message when body is an SNS notification envelope.
func unwrapSNS(body string) string {
	var envelope struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		return envelope.Message
	}
	return body
}

// ExtractS3Records returns the objects created according to an SQS message
// body. Test events yield no objects.
func ExtractS3Records(body string) ([]S3Object, error) {
	if IsTestEvent(body) {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(unwrapSNS(body)), &doc); err != nil {
		return nil, fmt.Errorf("decode S3 notification: %w", err)
	}
	found, err := jmespath.Search(exprCreatedObjects, doc)
	if err != nil {
		return nil, fmt.Errorf("search S3 notification: %w", err)
	}
	items, _ := found.([]any)
	objects := make([]S3Object, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		bucket, _ := m["bucket"].(string)
		key, _ := m["key"].(string)
		if bucket == "" || key == "" {
			continue
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		objects = append(objects, S3Object{Bucket: bucket, Key: key})
	}
	return objects, nil
}

// ParseLog decodes a CloudTrail log file.
func ParseLog(body []byte) ([]Record, error) {
	var log struct {
		Records []Record `json:"Records"`
	}
	if err := json.Unmarshal(body, &log); err != nil {
		return nil, fmt.Errorf("decode CloudTrail log: %w", err)
	}
	return log.Records, nil
}

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// EventName is the API call the record describes.
func (r Record) EventName() string { return r.str("eventName") }

// Failed reports whether the API call returned an error.
func (r Record) Failed() bool {
	v, ok := r["errorCode"]
	return ok && v != nil
}

func (r Record) occurredAt() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, r.str("eventTime"))
	return t, err == nil
}

// InstanceEvents extracts instance events from records. Failed calls and
// attribute changes that do not touch the instance type are skipped.
func InstanceEvents(records []Record) []InstanceEvent {
	var events []InstanceEvent
	for _, r := range records {
		events = append(events, instanceEvents(r)...)
	}
	return events
}

func instanceEvents(r Record) []InstanceEvent {
	eventType, ok := instanceEventTypes[r.EventName()]
	if !ok || r.Failed() {
		return nil
	}
	when, ok := r.occurredAt()
	if !ok {
		return nil
	}
	base := InstanceEvent{
		AWSAccountID: r.str("recipientAccountId"),
		Region:       r.str("awsRegion"),
		EventType:    eventType,
		OccurredAt:   when,
	}

	switch r.EventName() {
	case "RunInstances":
		var events []InstanceEvent
		for _, item := range searchMaps(exprRunItems, map[string]any(r)) {
			e := base
			e.InstanceID, _ = item["id"].(string)
			e.InstanceType, _ = item["type"].(string)
			e.ImageID, _ = item["image"].(string)
			e.SubnetID, _ = item["subnet"].(string)
			if e.InstanceID != "" {
				events = append(events, e)
			}
		}
		return events
	case "ModifyInstanceAttribute":
		instanceType := searchString("requestParameters.instanceType.value", map[string]any(r))
		instanceID := searchString("requestParameters.instanceId", map[string]any(r))
		if instanceType == "" || instanceID == "" {
			return nil
		}
		base.InstanceID = instanceID
		base.InstanceType = instanceType
		return []InstanceEvent{base}
	}

	ids := searchStrings(exprResponseIDs, map[string]any(r))
	if len(ids) == 0 {
		ids = searchStrings(exprRequestIDs, map[string]any(r))
	}
	events := make([]InstanceEvent, 0, len(ids))
	for _, id := range ids {
		e := base
		e.InstanceID = id
		events = append(events, e)
	}
	return events
}

// AMITagEvents extracts cloudigrade tag changes on AMIs from records.
func AMITagEvents(records []Record) []AMITagEvent {
	var events []AMITagEvent
	for _, r := range records {
		name := r.EventName()
		if (name != "CreateTags" && name != "DeleteTags") || r.Failed() {
			continue
		}
		when, ok := r.occurredAt()
		if !ok {
			continue
		}
		amis := searchStrings(exprAMIResources, map[string]any(r))
		if len(amis) == 0 {
			continue
		}
		for _, tag := range searchStrings(exprTagKeys, map[string]any(r)) {
			if !trackedTags[tag] {
				continue
			}
			for _, ami := range amis {
				events = append(events, AMITagEvent{
					AWSAccountID: r.str("recipientAccountId"),
					Region:       r.str("awsRegion"),
					ImageID:      ami,
					Tag:          tag,
					Exists:       name == "CreateTags",
					OccurredAt:   when,
				})
			}
		}
	}
	return events
}

func searchString(expr string, data any) string {
	found, err := jmespath.Search(expr, data)
	if err != nil {
		return ""
	}
	s, _ := found.(string)
	return strings.TrimSpace(s)
}

func searchStrings(expr string, data any) []string {
	found, err := jmespath.Search(expr, data)
	if err != nil {
		return nil
	}
	items, _ := found.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func searchMaps(expr string, data any) []map[string]any {
	found, err := jmespath.Search(expr, data)
	if err != nil {
		return nil
	}
	items, _ := found.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
