// Copyright (c) 2024 The Evmux Authors. All rights reserved.
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

package http

import (
	"bytes"
	"fmt"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// GetVar looks up name in a form or query string such as "a=1&b=2" and
// returns its URL-decoded value.
func GetVar(buf []byte, name string) ([]byte, bool, error) {
	for len(buf) > 0 {
		var kv []byte
		if i := bytes.IndexByte(buf, '&'); i >= 0 {
			kv, buf = buf[:i], buf[i+1:]
		} else {
			kv, buf = buf, nil
		}
		k, v := kv, []byte(nil)
		if i := bytes.IndexByte(kv, '='); i >= 0 {
			k, v = kv[:i], kv[i+1:]
		}
		if bytes.EqualFold(k, []byte(name)) {
			dec, err := URLDecode(v, true)
			return dec, true, err
		}
	}
	return nil, false, nil
}

// URLDecode decodes percent escapes in src. With form set, '+' decodes to a
// space as in application/x-www-form-urlencoded.
func URLDecode(src []byte, form bool) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		switch c := src[i]; {
		case c == '%':
			if i+2 >= len(src) || unhex(src[i+1]) < 0 || unhex(src[i+2]) < 0 {
				return nil, fmt.Errorf("%w: bad percent escape", errorx.ErrMalformedMessage)
			}
			dst = append(dst, byte(unhex(src[i+1])<<4|unhex(src[i+2])))
			i += 2
		case c == '+' && form:
			dst = append(dst, ' ')
		default:
			dst = append(dst, c)
		}
	}
	return dst, nil
}
