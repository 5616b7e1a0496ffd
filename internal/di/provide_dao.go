package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/opea-comps/internal/dao/lockdao"
	"github.com/savaki/opea-comps/internal/dao/rundao"
	"github.com/savaki/opea-comps/internal/services"
)

// ProvideRunDAO is not part of the core providers; commands that record runs add it
func ProvideRunDAO(client *dynamodb.Client, config *services.Config) *rundao.DAO {
	return rundao.New(client, config.RunsTable)
}

func ProvideLockDAO(client *dynamodb.Client, config *services.Config) *lockdao.DAO {
	return lockdao.New(client, config.LocksTable)
}
