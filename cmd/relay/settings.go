package main

type Settings struct {
	Port           int      `env:"PORT,default=8000"`
	BasePath       string   `env:"BASE_PATH,default=/relay"`
	LogEncoding    string   `env:"LOG_ENCODING,default=json"`
	JWTSecret      string   `env:"JWT_SECRET,required=true"`
	APIKeys        []string `env:"API_KEYS"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
	DatabaseURL    string   `env:"DATABASE_URL,required=true"`
	MongoURI       string   `env:"MONGO_URI"`
}
