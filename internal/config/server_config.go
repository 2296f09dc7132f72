package config

import (
	"time"

	"github.com/maolilup/TiShiNengRunning/internal/util"
)

// App describes the Android client we impersonate.
type App struct {
	VersionCode int
	VersionName string
	UserAgent   string
	Platform    string
}

// Vendor holds the backend vendor constants. They are configuration data on
// purpose: none of the envelope or session logic embeds them.
type Vendor struct {
	BaseURL      string
	AppID        string
	AppSecret    string
	SignatureMD5 string
	AppSignHash  string
	RSAPublicKey string
	PasswordKey  string
	PathSegment  string
	BasicSuffix  string
}

// Client holds transport tuning.
type Client struct {
	Timeout       time.Duration
	UploadTimeout time.Duration
}

// Paths holds local storage locations.
type Paths struct {
	DatabaseFile string
	FaceImageDir string
}

// Logger holds logging config.
type Logger struct {
	Level              string
	PrettyPrintConsole bool
}

// Server bundles the full service configuration.
type Server struct {
	App    App
	Vendor Vendor
	Client Client
	Paths  Paths
	Logger Logger
}

// DefaultServiceConfigFromEnv returns the configuration resolved from the
// environment with the known-good defaults for the public cloud deployment.
func DefaultServiceConfigFromEnv() Server {
	return Server{
		App: App{
			VersionCode: util.GetEnvAsInt("TSN_APP_VERSION_CODE", 386),
			VersionName: util.GetEnv("TSN_APP_VERSION_NAME", "3.8.6"),
			UserAgent:   util.GetEnv("TSN_APP_USER_AGENT", "okhttp/4.9.0"),
			Platform:    util.GetEnv("TSN_APP_PLATFORM", "1"),
		},
		Vendor: Vendor{
			BaseURL:      util.GetEnv("TSN_CLOUD_URL", "http://a.sxstczx.com"),
			AppID:        util.GetEnv("TSN_VENDOR_APP_ID", "c9292ee89d2f49492f983f5931af0d09"),
			AppSecret:    util.GetEnv("TSN_VENDOR_APP_SECRET", "e8167ef026cbc5e456ab837d9d6d9254"),
			SignatureMD5: util.GetEnv("TSN_VENDOR_SIGNATURE_MD5", "7F:C0:22:E6:7C:7D:2A:CC:C3:C8:77:0A:46:13:8D:C3"),
			AppSignHash:  util.GetEnv("TSN_VENDOR_APP_SIGN_HASH", "d2tnIyqximO/L8Y4MzfRELa1hSAtSRxzmvXlcOCzRyk="),
			RSAPublicKey: util.GetEnv("TSN_VENDOR_RSA_PUBLIC_KEY",
				"MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAgzQ7BYqBZ5LTjoOb9aHO8fI0hbww9YRW2lnqIdDyIjBwmhthTR+EmiKNm4yFKg6"+
					"Vz2GW5ix3IdUQdaAq3ZZ7se/dCOTpu3dk15ZgkO6ZImUE7gqzSXXJ0NaACudk4yJwk3Q69kB4m3xIKxiOlG2HtbEed01LrUmLag9VOP96Bu"+
					"Sao2sP4Als5hA/8C6KqdihTOcZF1RT+lqrT3Qvja7q+qI5QZw9d7NrFFycQs8jk8O49f9mkvLZRZCCWEbwzuCPTlMy/ZNAsMeU/gNSRKUnq"+
					"uOiPboc2KUhsvY4cK0GeuS9vuIrMGE01L/BCc+rUrautq3n3WiIVJwnwWiJtgk33QIDAQAB"),
			PasswordKey: util.GetEnv("TSN_VENDOR_PASSWORD_KEY", "thanks,pig4cloud"),
			PathSegment: util.GetEnv("TSN_VENDOR_PATH_SEGMENT", "2a36d143"),
			BasicSuffix: util.GetEnv("TSN_VENDOR_BASIC_SUFFIX", "pig"),
		},
		Client: Client{
			Timeout:       time.Duration(util.GetEnvAsInt("TSN_CLIENT_TIMEOUT_SEC", 15)) * time.Second,
			UploadTimeout: time.Duration(util.GetEnvAsInt("TSN_CLIENT_UPLOAD_TIMEOUT_SEC", 30)) * time.Second,
		},
		Paths: Paths{
			DatabaseFile: util.GetEnv("TSN_DB_FILE", "tsn.sqlite3"),
			FaceImageDir: util.GetEnv("TSN_FACE_IMAGE_DIR", "face_images"),
		},
		Logger: Logger{
			Level:              util.GetEnv("TSN_LOG_LEVEL", "info"),
			PrettyPrintConsole: util.GetEnvAsBool("TSN_LOG_PRETTY", true),
		},
	}
}
