// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package announceclient

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/streambit/streambit/core"
	"github.com/streambit/streambit/utils/httputil"

	"github.com/jackpal/bencode-go"
)

// httpClient announces over HTTP(S) per BEP-3.
type httpClient struct {
	config Config
}

func newHTTPClient(config Config) *httpClient {
	return &httpClient{config}
}

func (c *httpClient) Announce(u *url.URL, req *Request) (*Response, error) {
	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash.Bytes()))
	params.Set("peer_id", string(req.PeerID.Bytes()))
	params.Set("port", strconv.Itoa(req.Port))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")
	if e := req.Event.String(); e != "" {
		params.Set("event", e)
	}
	if req.NumWant > 0 {
		params.Set("numwant", strconv.Itoa(req.NumWant))
	}
	annURL := *u
	if annURL.RawQuery != "" {
		annURL.RawQuery += "&" + params.Encode()
	} else {
		annURL.RawQuery = params.Encode()
	}

	resp, err := httputil.Get(
		annURL.String(),
		httputil.SendTimeout(c.config.Timeout),
		httputil.SendRetry())
	if err != nil {
		return nil, err
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read response: %s", err)
	}
	return parseHTTPResponse(body)
}

func parseHTTPResponse(body []byte) (*Response, error) {
	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, TrackerError{reason}
	}
	interval, ok := dict["interval"].(int64)
	if !ok {
		return nil, fmt.Errorf("tracker response missing interval")
	}
	peersVal, ok := dict["peers"]
	if !ok {
		return nil, fmt.Errorf("tracker response missing peers")
	}
	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Peers:    peers,
		Interval: time.Duration(interval) * time.Second,
	}
	if n, ok := dict["complete"].(int64); ok {
		resp.Seeders = int(n)
	}
	if n, ok := dict["incomplete"].(int64); ok {
		resp.Leechers = int(n)
	}
	return resp, nil
}

// parsePeers handles both peer list encodings: a compact byte string of
// 6-byte records, or a bencoded list of dictionaries.
func parsePeers(v interface{}) ([]*core.PeerInfo, error) {
	switch peers := v.(type) {
	case string:
		return core.DecodeCompactPeers([]byte(peers))
	case []interface{}:
		var infos []*core.PeerInfo
		for _, e := range peers {
			d, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer entry is not a dictionary")
			}
			ip, _ := d["ip"].(string)
			port, ok := d["port"].(int64)
			if ip == "" || !ok {
				return nil, fmt.Errorf("peer entry missing ip / port")
			}
			info := &core.PeerInfo{IP: ip, Port: int(port)}
			if id, ok := d["peer id"].(string); ok && len(id) == 20 {
				peerID, err := core.NewPeerIDFromBytes([]byte(id))
				if err == nil {
					info.PeerID = peerID
				}
			}
			infos = append(infos, info)
		}
		return infos, nil
	}
	return nil, fmt.Errorf("unrecognized peers encoding")
}
