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

package main

import (
	log "github.com/sirupsen/logrus"
)

// logrusLogger adapts the package-level logrus logger to session.Logger,
// so session/keystate/ovpnproto never import logrus directly (only
// cmd/ovpn3core and ovpnstats do).
type logrusLogger struct{}

func (logrusLogger) Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func (logrusLogger) Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func (logrusLogger) Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func (logrusLogger) Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
