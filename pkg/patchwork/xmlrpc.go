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

package patchwork

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Fault is an XML-RPC <fault> response.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.String)
}

// value is a minimally-typed XML-RPC value: one of nil, string, int,
// float64, bool, []value, or map[string]value. Patchwork's API surface
// never needs base64 or dateTime.iso8601, so those are not modeled.
type value any

// rpcCall performs one XML-RPC method call over HTTP and returns its
// decoded return value, or a *Fault if the server raised one.
func rpcCall(ctx context.Context, httpClient *http.Client, endpoint, method string, args ...value) (value, error) {
	body, err := encodeCall(method, args)
	if err != nil {
		return nil, fmt.Errorf("encoding xmlrpc call %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building xmlrpc request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}

	return decodeResponse(data)
}

func encodeCall(method string, args []value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodCall><methodName>")
	xml.EscapeText(&buf, []byte(method))
	buf.WriteString("</methodName><params>")
	for _, a := range args {
		buf.WriteString("<param>")
		if err := encodeValue(&buf, a); err != nil {
			return nil, err
		}
		buf.WriteString("</param>")
	}
	buf.WriteString("</params></methodCall>")
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v value) error {
	buf.WriteString("<value>")
	switch t := v.(type) {
	case nil:
		buf.WriteString("<nil/>")
	case string:
		buf.WriteString("<string>")
		xml.EscapeText(buf, []byte(t))
		buf.WriteString("</string>")
	case int:
		fmt.Fprintf(buf, "<int>%d</int>", t)
	case int64:
		fmt.Fprintf(buf, "<int>%d</int>", t)
	case bool:
		if t {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case []value:
		buf.WriteString("<array><data>")
		for _, e := range t {
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
	case map[string]value:
		buf.WriteString("<struct>")
		for k, e := range t {
			buf.WriteString("<member><name>")
			xml.EscapeText(buf, []byte(k))
			buf.WriteString("</name>")
			if err := encodeValue(buf, e); err != nil {
				return err
			}
			buf.WriteString("</member>")
		}
		buf.WriteString("</struct>")
	default:
		return fmt.Errorf("xmlrpc: unsupported argument type %T", v)
	}
	buf.WriteString("</value>")
	return nil
}

// The following mirror the subset of the XML-RPC wire grammar used to
// decode responses: methodResponse -> (params.param.value | fault.value).

type xmlMethodResponse struct {
	Params *xmlParams `xml:"params"`
	Fault  *xmlValue  `xml:"fault>value"`
}

type xmlParams struct {
	Param []xmlParam `xml:"param"`
}

type xmlParam struct {
	Value xmlValue `xml:"value"`
}

type xmlValue struct {
	String  *string     `xml:"string"`
	Int     *string     `xml:"int"`
	I4      *string     `xml:"i4"`
	Boolean *string     `xml:"boolean"`
	Double  *string     `xml:"double"`
	Array   *xmlArray   `xml:"array"`
	Struct  *xmlStruct  `xml:"struct"`
	Nil     *struct{}   `xml:"nil"`
	Text    string      `xml:",chardata"`
}

type xmlArray struct {
	Data struct {
		Value []xmlValue `xml:"value"`
	} `xml:"data"`
}

type xmlStruct struct {
	Member []struct {
		Name  string   `xml:"name"`
		Value xmlValue `xml:"value"`
	} `xml:"member"`
}

func decodeResponse(data []byte) (value, error) {
	var resp xmlMethodResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding xmlrpc response: %w", err)
	}
	if resp.Fault != nil {
		v, err := decodeValue(*resp.Fault)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]value)
		if !ok {
			return nil, fmt.Errorf("malformed xmlrpc fault")
		}
		code, _ := toInt(m["faultCode"])
		str, _ := m["faultString"].(string)
		return nil, &Fault{Code: code, String: str}
	}
	if resp.Params == nil || len(resp.Params.Param) == 0 {
		return nil, nil
	}
	return decodeValue(resp.Params.Param[0].Value)
}

func decodeValue(v xmlValue) (value, error) {
	switch {
	case v.Nil != nil:
		return nil, nil
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		n, err := strconv.Atoi(strings.TrimSpace(*v.Int))
		return n, err
	case v.I4 != nil:
		n, err := strconv.Atoi(strings.TrimSpace(*v.I4))
		return n, err
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		return f, err
	case v.Array != nil:
		out := make([]value, 0, len(v.Array.Data.Value))
		for _, e := range v.Array.Data.Value {
			dv, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, dv)
		}
		return out, nil
	case v.Struct != nil:
		out := map[string]value{}
		for _, m := range v.Struct.Member {
			dv, err := decodeValue(m.Value)
			if err != nil {
				return nil, err
			}
			out[m.Name] = dv
		}
		return out, nil
	default:
		// Bare <value>text</value> defaults to string per the XML-RPC spec.
		return v.Text, nil
	}
}

func toInt(v value) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
