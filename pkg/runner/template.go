// Copyright 2022 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

// DefaultJobTemplate is the fallback job body rendered when the runner
// configuration carries no template-file param.
const DefaultJobTemplate = `<job>
  <uid>{{.UID}}</uid>
  <arch>{{.Arch}}</arch>
  <kernel_release>{{.KRelease}}</kernel_release>
  <build_url>{{.BuildURL}}</build_url>
{{- if .Params.host}}
  <host>{{.Params.host}}</host>
{{- end}}
</job>
`
