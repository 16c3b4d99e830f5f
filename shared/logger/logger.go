// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging with tenant and request
// correlation fields. Entries are written to stdout for the container
// runtime to capture.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger emits structured entries for one component.
type Logger struct {
	Component string
	Container string
}

// LogEntry is the wire format of a single structured log line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Container string                 `json:"container"`
	Tenant    string                 `json:"tenant,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}
	return &Logger{
		Component: component,
		Container: container,
	}
}

// Log writes a structured entry to stdout.
func (l *Logger) Log(level LogLevel, tenant, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Container: l.Container,
		Tenant:    tenant,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}
	log.Println(string(jsonBytes))
}

// Info logs an informational message.
func (l *Logger) Info(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, tenant, requestID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, tenant, requestID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, tenant, requestID, message, fields)
}

// Debug logs a debug message.
func (l *Logger) Debug(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, tenant, requestID, message, fields)
}

// ErrorWith logs an error message with the error attached as a field.
func (l *Logger) ErrorWith(tenant, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(tenant, requestID, message, fields)
}
