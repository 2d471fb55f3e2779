package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type CreateElementArgs struct {
	Payload   ElementPayload `json:"payload"`
	ZIndex    int            `json:"zIndex"`
	CreatedBy CreatorRef     `json:"createdBy"`
}

type UpdateElementArgs struct {
	Payload ElementPayload `json:"payload"`
}

type DeleteElementsArgs struct {
	ElementIds []Id `json:"elementIds"`
}

type ListElementsResult struct {
	Elements []*Element `json:"elements"`
}

// ApiStore is a Store backed by the element HTTP API. Failures to reach
// the server surface as ConnectivityError; HTTP-level rejections surface
// as plain errors so the pipeline treats them as persistence rejections.
type ApiStore struct {
	apiUrl     string
	httpClient *http.Client
}

func NewApiStore(apiUrl string) *ApiStore {
	return &ApiStore{
		apiUrl:     strings.TrimSuffix(apiUrl, "/"),
		httpClient: defaultClient(),
	}
}

func (self *ApiStore) CreateElement(ctx context.Context, boardId Id, payload ElementPayload, zIndex int, createdBy CreatorRef) (*Element, error) {
	args := &CreateElementArgs{
		Payload:   payload,
		ZIndex:    zIndex,
		CreatedBy: createdBy,
	}
	element := &Element{}
	err := self.call(ctx, http.MethodPost, fmt.Sprintf("/api/boards/%s/elements", boardId), args, element)
	if err != nil {
		return nil, err
	}
	return element, nil
}

func (self *ApiStore) UpdateElement(ctx context.Context, boardId Id, elementId Id, payload ElementPayload) (*Element, error) {
	args := &UpdateElementArgs{
		Payload: payload,
	}
	element := &Element{}
	err := self.call(ctx, http.MethodPut, fmt.Sprintf("/api/boards/%s/elements/%s", boardId, elementId), args, element)
	if err != nil {
		return nil, err
	}
	return element, nil
}

func (self *ApiStore) DeleteElements(ctx context.Context, boardId Id, elementIds []Id) error {
	args := &DeleteElementsArgs{
		ElementIds: elementIds,
	}
	return self.call(ctx, http.MethodPost, fmt.Sprintf("/api/boards/%s/elements/delete", boardId), args, nil)
}

func (self *ApiStore) ListElements(ctx context.Context, boardId Id) ([]*Element, error) {
	result := &ListElementsResult{}
	err := self.call(ctx, http.MethodGet, fmt.Sprintf("/api/boards/%s/elements", boardId), nil, result)
	if err != nil {
		return nil, err
	}
	return result.Elements, nil
}

func (self *ApiStore) call(ctx context.Context, method string, path string, args any, result any) error {
	var body io.Reader
	if args != nil {
		argsJson, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(argsJson)
	}

	req, err := http.NewRequestWithContext(ctx, method, self.apiUrl+path, body)
	if err != nil {
		return err
	}
	if args != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := self.httpClient.Do(req)
	if err != nil {
		// dns, dial, tls and timeout errors are all link problems
		if urlErr, ok := err.(*url.Error); ok {
			return Disconnected(urlErr)
		}
		return Disconnected(err)
	}
	defer res.Body.Close()

	if http.StatusServiceUnavailable == res.StatusCode || http.StatusBadGateway == res.StatusCode || http.StatusGatewayTimeout == res.StatusCode {
		return Disconnected(fmt.Errorf("api status %d", res.StatusCode))
	}
	if http.StatusOK != res.StatusCode {
		resBody, _ := io.ReadAll(res.Body)
		return fmt.Errorf("api status %d: %s", res.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if result != nil {
		resBody, err := io.ReadAll(res.Body)
		if err != nil {
			return Disconnected(err)
		}
		if err := json.Unmarshal(resBody, result); err != nil {
			return err
		}
	}
	return nil
}
