/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

// Logger is the small logging trait threaded through a Session, kept
// free of any concrete logging library so ovpnproto/keystate/session stay
// embeddable. cmd/ovpn3core supplies a logrus-backed implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopLogger discards everything; used where a caller doesn't care to
// wire a real Logger (tests, short-lived tooling).
type NopLogger struct{}

// Debugf implements Logger.
func (NopLogger) Debugf(string, ...interface{}) {}

// Infof implements Logger.
func (NopLogger) Infof(string, ...interface{}) {}

// Warnf implements Logger.
func (NopLogger) Warnf(string, ...interface{}) {}

// Errorf implements Logger.
func (NopLogger) Errorf(string, ...interface{}) {}
