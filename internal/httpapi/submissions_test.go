package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/contactform/internal/httpapi"
	"github.com/MarkoPoloResearchLab/contactform/internal/intake"
	"github.com/MarkoPoloResearchLab/contactform/internal/model"
	"github.com/MarkoPoloResearchLab/contactform/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/contactform/internal/sms"
	"github.com/MarkoPoloResearchLab/contactform/internal/storage"
	"github.com/MarkoPoloResearchLab/contactform/internal/testutil"
)

const (
	submitPath   = "/api/send-sms"
	messagesPath = "/api/messages"
	healthPath   = "/api/health"
	testBrand    = "LogozoDev"
)

type gatewayStub struct {
	mutex    sync.Mutex
	status   int
	body     string
	contacts []string
}

func (gateway *gatewayStub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	_ = request.ParseForm()
	gateway.mutex.Lock()
	gateway.contacts = append(gateway.contacts, request.PostForm.Get("contact"))
	status, body := gateway.status, gateway.body
	gateway.mutex.Unlock()
	writer.WriteHeader(status)
	_, _ = writer.Write([]byte(body))
}

func (gateway *gatewayStub) recordedContacts() []string {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return append([]string(nil), gateway.contacts...)
}

type harnessOptions struct {
	credentials sms.Credentials
	limiter     ratelimit.Limiter
	status      int
}

type apiHarness struct {
	router   *gin.Engine
	database *gorm.DB
	gateway  *gatewayStub
}

func buildAPIHarness(testingT *testing.T, options harnessOptions) apiHarness {
	testingT.Helper()

	gin.SetMode(gin.TestMode)
	logger, loggerErr := zap.NewDevelopment()
	require.NoError(testingT, loggerErr)

	database := testutil.NewSQLiteTestDatabase(testingT).OpenMigrated(testingT)

	status := options.status
	if status == 0 {
		status = http.StatusOK
	}
	gateway := &gatewayStub{status: status, body: `{"success":true}`}
	gatewayServer := httptest.NewServer(gateway)
	testingT.Cleanup(gatewayServer.Close)

	smsClient := sms.NewClient(logger, sms.Config{Endpoint: gatewayServer.URL, Credentials: options.credentials})
	store := storage.NewSubmissionStore(database)
	workflow := intake.NewWorkflow(store, smsClient, logger, nil, testBrand)
	submissionHandlers := httpapi.NewSubmissionHandlers(workflow, store, logger)
	healthHandlers := httpapi.NewHealthHandlers(func(ctx context.Context) error {
		return storage.Ping(ctx, database)
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger(logger))
	router.POST(submitPath, httpapi.RateLimitMiddleware(options.limiter, logger, nil), submissionHandlers.Submit)
	router.GET(messagesPath, submissionHandlers.List)
	router.DELETE(messagesPath+"/:id", submissionHandlers.Delete)
	router.GET(healthPath, healthHandlers.Health)

	return apiHarness{router: router, database: database, gateway: gateway}
}

func performJSONRequest(testingT *testing.T, router *gin.Engine, method string, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var requestBody io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		require.NoError(testingT, encodeErr)
		requestBody = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, requestBody)
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(testingT *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testingT.Helper()
	var payload map[string]any
	require.NoError(testingT, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload
}

func validPayload() map[string]any {
	return map[string]any{
		"first_name": "Nimal",
		"last_name":  "Perera",
		"email":      "nimal@example.com",
		"number":     "0771234567",
		"subject":    "Website quote",
		"message":    "Please call me back",
	}
}

var testCredentials = sms.Credentials{UserID: "user", APIKey: "key", SenderID: "LogozoDev"}

func TestSubmitPersistsAndReportsGatewayAnswer(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{credentials: testCredentials})

	recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NotEmpty(t, recorder.Header().Get(httpapi.RequestIDHeader))

	payload := decodeBody(t, recorder)
	require.Equal(t, true, payload["ok"])
	require.Equal(t, intake.NotificationSent, payload["sms_status"])
	require.Positive(t, payload["id"])
	smsPayload, ok := payload["sms"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, http.StatusOK, smsPayload["statusCode"])
	require.Equal(t, `{"success":true}`, smsPayload["body"])

	require.Equal(t, []string{"94771234567"}, api.gateway.recordedContacts())
	require.EqualValues(t, 1, testutil.CountSubmissions(t, api.database))
}

func TestSubmitReportsNonSuccessGatewayStatusAsSent(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{credentials: testCredentials, status: http.StatusForbidden})

	recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	payload := decodeBody(t, recorder)
	require.Equal(t, intake.NotificationSent, payload["sms_status"])
	smsPayload, ok := payload["sms"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, http.StatusForbidden, smsPayload["statusCode"])
}

func TestSubmitWithoutCredentialsSkipsNotification(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	payload := decodeBody(t, recorder)
	require.Equal(t, true, payload["ok"])
	require.Nil(t, payload["sms"])
	require.Equal(t, intake.NotificationSkipped, payload["sms_status"])
	require.Empty(t, api.gateway.recordedContacts())
	require.EqualValues(t, 1, testutil.CountSubmissions(t, api.database))
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{credentials: testCredentials})

	payload := validPayload()
	payload["email"] = "not-an-email"
	delete(payload, "first_name")

	recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, payload, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	body := decodeBody(t, recorder)
	require.Equal(t, false, body["ok"])
	require.Equal(t, "Missing or invalid fields", body["message"])
	require.Equal(t, []any{
		map[string]any{"field": "first_name", "reason": "required"},
		map[string]any{"field": "email", "reason": "invalid_email"},
	}, body["fields"])

	require.Zero(t, testutil.CountSubmissions(t, api.database))
	require.Empty(t, api.gateway.recordedContacts())
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	request := httptest.NewRequest(http.MethodPost, submitPath, strings.NewReader(`{"first_name":`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	api.router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, "Missing or invalid fields", decodeBody(t, recorder)["message"])
}

func TestSubmitAcceptsNumericPhoneInJSON(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	request := httptest.NewRequest(http.MethodPost, submitPath, strings.NewReader(
		`{"first_name":"Nimal","last_name":"Perera","email":"nimal@example.com","number":94771234567,"message":"Hi"}`,
	))
	request.Header.Set("Content-Type", "application/json; charset=utf-8")
	recorder := httptest.NewRecorder()
	api.router.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	var stored model.Submission
	require.NoError(t, api.database.First(&stored).Error)
	require.Equal(t, "94771234567", stored.Phone)
}

func TestSubmitAcceptsFormBodies(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	form := url.Values{}
	for name, value := range validPayload() {
		form.Set(name, value.(string))
	}
	urlEncoded := httptest.NewRequest(http.MethodPost, submitPath, strings.NewReader(form.Encode()))
	urlEncoded.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	urlEncodedRecorder := httptest.NewRecorder()
	api.router.ServeHTTP(urlEncodedRecorder, urlEncoded)
	require.Equal(t, http.StatusOK, urlEncodedRecorder.Code)

	multipartBody := &bytes.Buffer{}
	multipartWriter := multipart.NewWriter(multipartBody)
	for name, value := range validPayload() {
		require.NoError(t, multipartWriter.WriteField(name, value.(string)))
	}
	require.NoError(t, multipartWriter.Close())
	multipartRequest := httptest.NewRequest(http.MethodPost, submitPath, multipartBody)
	multipartRequest.Header.Set("Content-Type", multipartWriter.FormDataContentType())
	multipartRecorder := httptest.NewRecorder()
	api.router.ServeHTTP(multipartRecorder, multipartRequest)
	require.Equal(t, http.StatusOK, multipartRecorder.Code)

	require.EqualValues(t, 2, testutil.CountSubmissions(t, api.database))
}

func TestSubmitRejectsOversizedBodies(t *testing.T) {
	oversizedMessage := strings.Repeat("a", httpapi.MaxRequestBodyBytes+1)

	jsonPayload := validPayload()
	jsonPayload["message"] = oversizedMessage
	encodedJSON, encodeErr := json.Marshal(jsonPayload)
	require.NoError(t, encodeErr)

	form := url.Values{}
	for name, value := range validPayload() {
		form.Set(name, value.(string))
	}
	form.Set("message", oversizedMessage)

	testCases := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "json", contentType: "application/json", body: string(encodedJSON)},
		{name: "urlencoded", contentType: "application/x-www-form-urlencoded", body: form.Encode()},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(testingT *testing.T) {
			api := buildAPIHarness(testingT, harnessOptions{})

			request := httptest.NewRequest(http.MethodPost, submitPath, strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", testCase.contentType)
			recorder := httptest.NewRecorder()
			api.router.ServeHTTP(recorder, request)

			require.Equal(testingT, http.StatusRequestEntityTooLarge, recorder.Code)
			payload := decodeBody(testingT, recorder)
			require.Equal(testingT, false, payload["ok"])
			require.Equal(testingT, "Payload too large", payload["message"])
			require.Zero(testingT, testutil.CountSubmissions(testingT, api.database))
		})
	}
}

func TestSubmitReportsDatabaseError(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{credentials: testCredentials})
	require.NoError(t, api.database.Migrator().DropTable(&model.Submission{}))

	recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	body := decodeBody(t, recorder)
	require.Equal(t, false, body["ok"])
	require.Equal(t, "Database error", body["error"])
	require.Empty(t, api.gateway.recordedContacts())
}

func TestSubmitIsRateLimitedPerClient(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Window: time.Minute, MaxRequests: 2})
	api := buildAPIHarness(t, harnessOptions{limiter: limiter})

	for attempt := 0; attempt < 2; attempt++ {
		recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
		require.Equal(t, http.StatusOK, recorder.Code)
	}

	limited := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	body := decodeBody(t, limited)
	require.Equal(t, false, body["ok"])
	require.Equal(t, "Too many requests", body["message"])
	require.EqualValues(t, 2, testutil.CountSubmissions(t, api.database))
}

func TestSubmitAllowsRequestsWhenLimiterFails(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{limiter: failingLimiter{}})

	recorder := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis unavailable")
}

func TestListReturnsNewestFirst(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	empty := performJSONRequest(t, api.router, http.MethodGet, messagesPath, nil, nil)
	require.Equal(t, http.StatusOK, empty.Code)
	require.Equal(t, []any{}, decodeBody(t, empty)["data"])

	for _, message := range []string{"first", "second"} {
		payload := validPayload()
		payload["message"] = message
		require.Equal(t, http.StatusOK, performJSONRequest(t, api.router, http.MethodPost, submitPath, payload, nil).Code)
	}
	require.NoError(t, api.database.Model(&model.Submission{}).Where("message = ?", "first").
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)

	recorder := performJSONRequest(t, api.router, http.MethodGet, messagesPath, nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	require.Equal(t, true, body["ok"])
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 2)
	require.Equal(t, "second", data[0].(map[string]any)["message"])
	require.Equal(t, "first", data[1].(map[string]any)["message"])
	require.Equal(t, "94771234567", data[0].(map[string]any)["phone"])
}

func TestListReportsServerError(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})
	require.NoError(t, api.database.Migrator().DropTable(&model.Submission{}))

	recorder := performJSONRequest(t, api.router, http.MethodGet, messagesPath, nil, nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Equal(t, "Server error", decodeBody(t, recorder)["error"])
}

func TestDeleteSubmission(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	created := performJSONRequest(t, api.router, http.MethodPost, submitPath, validPayload(), nil)
	require.Equal(t, http.StatusOK, created.Code)
	id := strconv.FormatInt(int64(decodeBody(t, created)["id"].(float64)), 10)

	deleted := performJSONRequest(t, api.router, http.MethodDelete, messagesPath+"/"+id, nil, nil)
	require.Equal(t, http.StatusOK, deleted.Code)
	require.Equal(t, map[string]any{"ok": true}, decodeBody(t, deleted))
	require.Zero(t, testutil.CountSubmissions(t, api.database))

	missing := performJSONRequest(t, api.router, http.MethodDelete, messagesPath+"/"+id, nil, nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
	require.Equal(t, "Not found", decodeBody(t, missing)["message"])
}

func TestDeleteRejectsInvalidIdentifiers(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})

	for _, id := range []string{"abc", "0", "-4", "1.5", "99999999999999999999"} {
		recorder := performJSONRequest(t, api.router, http.MethodDelete, messagesPath+"/"+id, nil, nil)
		require.Equal(t, http.StatusBadRequest, recorder.Code, id)
		require.Equal(t, "Invalid id", decodeBody(t, recorder)["message"], id)
	}
}

func TestDeleteReportsServerError(t *testing.T) {
	api := buildAPIHarness(t, harnessOptions{})
	require.NoError(t, api.database.Migrator().DropTable(&model.Submission{}))

	recorder := performJSONRequest(t, api.router, http.MethodDelete, messagesPath+"/1", nil, nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Equal(t, "Server error", decodeBody(t, recorder)["error"])
}
