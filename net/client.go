package net

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/voteledger/meta"
	"github.com/voteledger/store"
	"github.com/voteledger/util"
)

type HClient struct {
	Client *http.Client
	Url    string
}

// errorBody is what every handler answers on failure.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

const (
	codeNotFound      = "not_found"
	codeExists        = "exists"
	codeIndexMismatch = "index_mismatch"
)

//初始化通讯客户端且保持alive
func NewHClient(u string, timeout time.Duration) *HClient {
	return &HClient{
		Url: u,
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				DisableKeepAlives:   false,
			},
		},
	}
}

func newRequest(ctx context.Context, method, endPoint string, reqBody []byte) (*http.Request, error) {
	var body io.Reader
	if reqBody != nil {
		body = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, endPoint, body)
	if err != nil {
		log.Error("[newRequest] err:", err)
		return nil, errors.Wrapf(err, "failed %s to %s", method, endPoint)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SendReq sends req and decodes a JSON answer into result when it is not nil.
// Error answers are mapped back to the store sentinels.
func (c *HClient) SendReq(req *http.Request, result interface{}) (err error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s failure of request", req.Method)
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", req.URL.Path)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := util.FastestJson.Unmarshal(data, &eb); err != nil || eb.Error == "" {
			eb.Error = resp.Status
		}
		switch eb.Code {
		case codeNotFound:
			return errors.Wrap(store.ErrNotFound, eb.Error)
		case codeExists:
			return errors.Wrap(store.ErrExists, eb.Error)
		case codeIndexMismatch:
			return errors.Wrap(store.ErrIndexMismatch, eb.Error)
		}
		return errors.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, eb.Error)
	}
	if result == nil {
		return nil
	}
	if err := util.FastestJson.Unmarshal(data, result); err != nil {
		return errors.Wrapf(err, "decode %s response", req.URL.Path)
	}
	return nil
}

const (
	peerKeyHeader  = "X-Peer-Key"
	peerSignHeader = "X-Peer-Signature"
)

// requestDigest is what the peer headers sign.
func requestDigest(req *http.Request) []byte {
	return []byte(req.Method + " " + req.URL.EscapedPath())
}

// PeerStore keeps replicas on another node, through its /peer endpoints.
// Every request is signed with this node's key, and every replica id is
// kept under namespace there so several nodes can share one host.
type PeerStore struct {
	c         *HClient
	namespace string
	prvKey    []byte
	pubKey    []byte
}

func NewPeerStore(u string, timeout time.Duration, namespace string, prvKey, pubKey []byte) *PeerStore {
	return &PeerStore{c: NewHClient(u, timeout), namespace: namespace, prvKey: prvKey, pubKey: pubKey}
}

func (p *PeerStore) hostedID(participantID string) string {
	if p.namespace == "" {
		return participantID
	}
	return p.namespace + "/" + participantID
}

func (p *PeerStore) endPoint(participantID string, parts ...string) string {
	e := p.c.Url + "/peer/replicas"
	if participantID != "" {
		e += "/" + url.PathEscape(p.hostedID(participantID))
	}
	for _, part := range parts {
		e += "/" + part
	}
	return e
}

func (p *PeerStore) newRequest(ctx context.Context, method, endPoint string, body []byte) (*http.Request, error) {
	req, err := newRequest(ctx, method, endPoint, body)
	if err != nil {
		return nil, err
	}
	sign, err := util.Sign(requestDigest(req), p.prvKey)
	if err != nil {
		return nil, errors.Wrap(err, "sign request")
	}
	req.Header.Set(peerKeyHeader, base64.StdEncoding.EncodeToString(p.pubKey))
	req.Header.Set(peerSignHeader, base64.StdEncoding.EncodeToString(sign))
	return req, nil
}

func (p *PeerStore) sign(v interface{}) (data, sign []byte, err error) {
	data, err = util.FastestJson.Marshal(v)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode")
	}
	sign, err = util.Sign(data, p.prvKey)
	return data, sign, err
}

func (p *PeerStore) Create(ctx context.Context, participantID string, blocks []meta.Block) error {
	_, sg, err := p.sign(blocks)
	if err != nil {
		return err
	}
	body, err := util.FastestJson.Marshal(meta.ReplicaMsg{Blocks: blocks, Sign: sg, PubKey: p.pubKey})
	if err != nil {
		return errors.Wrap(err, "encode replica")
	}
	req, err := p.newRequest(ctx, http.MethodPut, p.endPoint(participantID), body)
	if err != nil {
		return err
	}
	return p.c.SendReq(req, nil)
}

func (p *PeerStore) Load(ctx context.Context, participantID string) ([]meta.Block, error) {
	req, err := p.newRequest(ctx, http.MethodGet, p.endPoint(participantID), nil)
	if err != nil {
		return nil, err
	}
	var blocks []meta.Block
	if err := p.c.SendReq(req, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (p *PeerStore) Append(ctx context.Context, participantID string, block meta.Block) error {
	_, sg, err := p.sign(block)
	if err != nil {
		return err
	}
	body, err := util.FastestJson.Marshal(meta.BlockMsg{B: block, Sign: sg, PubKey: p.pubKey})
	if err != nil {
		return errors.Wrap(err, "encode block")
	}
	req, err := p.newRequest(ctx, http.MethodPost, p.endPoint(participantID, "blocks"), body)
	if err != nil {
		return err
	}
	return p.c.SendReq(req, nil)
}

type participantsBody struct {
	Participants []string `json:"participants"`
}

func (p *PeerStore) Participants(ctx context.Context) ([]string, error) {
	req, err := p.newRequest(ctx, http.MethodGet, p.endPoint(""), nil)
	if err != nil {
		return nil, err
	}
	var pb participantsBody
	if err := p.c.SendReq(req, &pb); err != nil {
		return nil, err
	}
	if p.namespace == "" {
		return pb.Participants, nil
	}
	prefix := p.namespace + "/"
	ids := make([]string, 0, len(pb.Participants))
	for _, id := range pb.Participants {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, strings.TrimPrefix(id, prefix))
		}
	}
	return ids, nil
}

func (p *PeerStore) Close() error {
	p.c.Client.CloseIdleConnections()
	return nil
}
