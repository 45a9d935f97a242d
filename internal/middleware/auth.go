package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
)

const AccountKey = "account"

// AccountAuth 中间件：校验 Authorization: Bearer <token>，
// 解析出对应 Account 放进上下文；手动重发、充值、仪表盘查询接口使用
func AccountAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		account, err := db.GetAccountByToken(db.DB, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set(AccountKey, account)
		c.Next()
	}
}

// GetAccount 从上下文取出鉴权后的账号
func GetAccount(c *gin.Context) *db.Account {
	val, ok := c.Get(AccountKey)
	if !ok {
		return nil
	}
	account, _ := val.(*db.Account)
	return account
}
