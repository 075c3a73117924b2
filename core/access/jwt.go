package access

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/modelapi/core/csql"
	"github.com/relabs-tech/modelapi/core/logger"
	"github.com/relabs-tech/modelapi/core/registry"
)

// JWTAuthentication validates JWT bearer token and returns the token's
// subject as request credentials.
//
// Java-Web-Token (JWT) are accepted as "Authorization: Bearer" header.
type JWTAuthentication struct {
	// Keys maps key ids ("kid" header) to public keys, as returned by
	// WellKnownKeys.
	Keys map[string]interface{}
	// Secret is the key for HMAC-signed tokens. Only used when the
	// token's key id is unknown.
	Secret []byte
	// Issuer is the accepted issuer for the token. Empty accepts any.
	Issuer string
}

// RequestCredentials returns the subject of a valid bearer token, or
// nil if the request carries no valid token.
func (a *JWTAuthentication) RequestCredentials(r *http.Request) Credentials {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	tokenString := strings.TrimPrefix(auth, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if kid, ok := token.Header["kid"].(string); ok {
			if key, ok := a.Keys[kid]; ok {
				return key, nil
			}
		}
		if len(a.Secret) > 0 {
			return a.Secret, nil
		}
		return nil, fmt.Errorf("no key for token")
	})
	if err != nil || !token.Valid {
		logger.FromContext(r.Context()).WithError(err).Debugln("bearer token rejected")
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return nil
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil
	}
	return subject
}

// WellKnownKeys downloads PEM certificates from downloadURL and returns
// them as parsed RSA public keys, keyed by key id. In case of google, the
// url would be
//
//	"https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
//
// The downloaded certificates are cached in the database's registry, so
// restarts and multiple instances do not hammer the download url. The
// cache expires after six hours.
func WellKnownKeys(downloadURL string, db *csql.DB) (map[string]interface{}, error) {
	jwtRegistry := registry.New(db).Accessor("_jwt_")
	var wellKnownCertificates map[string]string
	timestamp, err := jwtRegistry.Read(downloadURL, &wellKnownCertificates)
	if err != nil {
		return nil, err
	}
	if time.Since(timestamp) > 6*time.Hour {
		res, err := http.Get(downloadURL)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		wellKnownCertificates = map[string]string{}
		decoder := json.NewDecoder(res.Body)
		err = decoder.Decode(&wellKnownCertificates)
		if err != nil {
			return nil, err
		}
		err = jwtRegistry.Write(downloadURL, wellKnownCertificates)
		if err != nil {
			return nil, err
		}
	}
	wellKnownKeys := map[string]interface{}{}
	for kid, cert := range wellKnownCertificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			logger.Default().WithError(err).Errorln("certificate error for key id", kid)
		} else {
			wellKnownKeys[kid] = key
		}
	}
	return wellKnownKeys, nil
}
